package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/meshwire/meshwire/internal/metrics"
	"github.com/meshwire/meshwire/internal/session"
	"github.com/spf13/cobra"
)

// flagOrEnv resolves a string flag with an environment fallback.
func flagOrEnv(cmd *cobra.Command, flag, env string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

// dialSession resolves connection flags and environment, dials the
// server, and waits for the post-auth bootstrap to complete.
func dialSession(ctx context.Context, cmd *cobra.Command, logger *slog.Logger, m *metrics.Metrics) (*session.Session, error) {
	url := flagOrEnv(cmd, "url", "MESHWIRE_URL")
	if url == "" {
		return nil, fmt.Errorf("server url is required: use --url or set MESHWIRE_URL")
	}
	insecure, _ := cmd.Flags().GetBool("insecure")
	proxy, _ := cmd.Flags().GetString("proxy")

	sess, err := session.Dial(ctx, session.Options{
		URL: url,
		Credentials: session.Credentials{
			User:     flagOrEnv(cmd, "user", "MESHWIRE_USER"),
			Password: flagOrEnv(cmd, "password", "MESHWIRE_PASS"),
			LoginKey: flagOrEnv(cmd, "loginkey", "MESHWIRE_LOGINKEY"),
			Token:    flagOrEnv(cmd, "token", "MESHWIRE_TOKEN"),
		},
		ProxyURL: proxy,
		Insecure: insecure,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Ready(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("await bootstrap: %w", err)
	}
	logger.Debug("session ready", "domain", sess.Domain())
	return sess, nil
}
