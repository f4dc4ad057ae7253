package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/meshwire/meshwire/internal/wire"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream server events as JSON lines",
		Long: `Subscribe to the server's asynchronous pushes and print each one as a
JSON line until interrupted. An optional structural filter keeps only
events it matches, e.g. --filter '{"event":{"etype":"node"}}'.`,
		Args: cobra.NoArgs,
		RunE: runEvents,
	}
	cmd.Flags().String("filter", "", "structural filter (JSON deep-subset)")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	var filter wire.Map
	if fs, _ := cmd.Flags().GetString("filter"); fs != "" {
		if err := json.Unmarshal([]byte(fs), &filter); err != nil {
			return fmt.Errorf("invalid filter: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}
	sess, err := dialSession(ctx, cmd, logger, m)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	closed := make(chan struct{})
	enc := json.NewEncoder(os.Stdout)
	sess.Subscribe(filter, func(topic string, msg wire.Map) {
		switch topic {
		case wire.CloseTopic:
			close(closed)
		case wire.EventTopic:
			_ = enc.Encode(msg)
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		return fmt.Errorf("connection closed")
	}
}
