package wire

import "testing"

func decode(t *testing.T, s string) Map {
	t.Helper()
	m, err := Decode([]byte(s))
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return m
}

func TestMatchDeepSubset(t *testing.T) {
	filter := Map{"event": Map{"etype": "ugrp"}}

	if !Match(filter, decode(t, `{"event":{"etype":"ugrp","other":1}}`)) {
		t.Error("filter should match candidate with extra keys")
	}
	if Match(filter, decode(t, `{"event":{"etype":"node"}}`)) {
		t.Error("filter should not match different etype")
	}
	if Match(filter, decode(t, `{"action":"event"}`)) {
		t.Error("filter should not match candidate missing the key")
	}
}

func TestMatchNeverPanics(t *testing.T) {
	filter := Map{"event": Map{"etype": "ugrp"}}
	for _, candidate := range []any{
		nil,
		"not a map",
		decode(t, `{"event":"scalar instead of map"}`),
		decode(t, `{"event":{"etype":["wrong","shape"]}}`),
	} {
		if Match(filter, candidate) {
			t.Errorf("filter should not match %v", candidate)
		}
	}
}

func TestMatchNilFilterMatchesAnything(t *testing.T) {
	if !Match(nil, decode(t, `{"action":"event"}`)) {
		t.Error("nil filter should match")
	}
}

func TestMatchList(t *testing.T) {
	filter := Map{"ids": []any{"a", "b"}}
	if !Match(filter, decode(t, `{"ids":["a","b"]}`)) {
		t.Error("equal lists should match")
	}
	if Match(filter, decode(t, `{"ids":["a","b","c"]}`)) {
		t.Error("length mismatch should not match")
	}
	if Match(filter, decode(t, `{"ids":["b","a"]}`)) {
		t.Error("order matters for list filters")
	}
}

func TestMatchAnyOf(t *testing.T) {
	filter := Map{"nodeids": AnyOf{"node2"}}
	if !Match(filter, decode(t, `{"nodeids":["node1","node2","node3"]}`)) {
		t.Error("AnyOf should match when one element matches")
	}
	if Match(filter, decode(t, `{"nodeids":["node4"]}`)) {
		t.Error("AnyOf should not match with no matching element")
	}
	// A scalar candidate counts as a single-element list.
	if !Match(filter, decode(t, `{"nodeids":"node2"}`)) {
		t.Error("AnyOf should match a scalar candidate")
	}
}

func TestMatchNumbers(t *testing.T) {
	// JSON decoding yields float64; hand-built filters use Go ints.
	filter := Map{"p": 5}
	if !Match(filter, decode(t, `{"p":5}`)) {
		t.Error("int filter should match JSON number")
	}
	if Match(filter, decode(t, `{"p":6}`)) {
		t.Error("different numbers should not match")
	}
}

func TestResultErr(t *testing.T) {
	if err := ResultErr("tunnel", decode(t, `{"result":"OK"}`)); err != nil {
		t.Errorf("OK result should succeed, got %v", err)
	}
	if err := ResultErr("tunnel", decode(t, `{"action":"msg"}`)); err != nil {
		t.Errorf("missing result should succeed, got %v", err)
	}
	err := ResultErr("tunnel", decode(t, `{"result":"permission denied"}`))
	serr, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("want *ServerError, got %T", err)
	}
	if serr.Result != "permission denied" || serr.Action != "tunnel" {
		t.Errorf("unexpected ServerError: %+v", serr)
	}
}
