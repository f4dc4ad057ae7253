// Package session implements the client side of the management server's
// control protocol: the primary websocket connection with its correlated
// request/response engine and server-push event bus, and the relay
// tunnels carrying terminal and file-transfer traffic for a single
// managed node.
package session

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/meshwire/meshwire/internal/wire"
)

// Credentials identify the caller to the server. User is required.
// Exactly one of Password, LoginKey, or Token should be set: a password
// (optionally with a second-factor Token) is carried in the x-meshauth
// header, while a pre-issued login key is appended as a signed query
// parameter.
type Credentials struct {
	User     string
	Password string
	LoginKey string
	Token    string
}

func (c Credentials) validate() error {
	if c.User == "" {
		return fmt.Errorf("credentials: user is required")
	}
	if c.Password == "" && c.LoginKey == "" && c.Token == "" {
		return fmt.Errorf("credentials: one of password, login key, or token is required")
	}
	return nil
}

// header builds the x-meshauth header value: base64 fields joined by
// commas, user then password then optional second-factor token.
func (c Credentials) header() string {
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	v := b64(c.User) + "," + b64(c.Password)
	if c.Token != "" {
		v += "," + b64(c.Token)
	}
	return v
}

// parseControlURL validates and normalizes the server URL. Only the ws
// and wss schemes are accepted; a missing path is filled in with the
// control endpoint path.
func parseControlURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url %q: scheme must be ws or wss", u.Redacted())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q: missing host", u.Redacted())
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = wire.ControlPath
	}
	return u, nil
}

// httpClient builds the HTTP client used for both the primary dial and
// every tunnel dial, so tunnels inherit the session's proxy and TLS
// verification policy.
func httpClient(proxyURL string, insecure bool) (*http.Client, error) {
	tr := &http.Transport{}
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if proxyURL != "" {
		p, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(p)
	}
	return &http.Client{Transport: tr}, nil
}

// credentialParams matches the query parameters that carry login keys or
// auth cookies in dial URLs.
var credentialParams = regexp.MustCompile(`\b(r?auth)=[^&"\s]+`)

// sanitizeErr strips credential query parameters from dial errors to
// avoid leaking login keys or auth cookies in log output.
func sanitizeErr(err error) error {
	return fmt.Errorf("%s", credentialParams.ReplaceAllString(err.Error(), "$1=REDACTED"))
}
