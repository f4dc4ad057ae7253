package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"time"

	"github.com/meshwire/meshwire/internal/shell"
	"github.com/meshwire/meshwire/internal/wire"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <nodeid>",
		Short: "Interactive terminal on a managed node",
		Long: `Open a terminal tunnel to the node and bridge it with stdin/stdout.
Exits when the tunnel closes or on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: runShell,
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

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

	sh, err := shell.Attach(ctx, sess, args[0], logger)
	if err != nil {
		return err
	}
	defer func() { _ = sh.Close() }()
	if sh.Recorded() {
		logger.Warn("this session is being recorded server-side")
	}

	// Keystrokes up.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := sh.Write(ctx, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Output down: block for one byte, then drain whatever accumulated.
	for {
		first, err := sh.Read(ctx, 1, 0, false)
		if err != nil {
			if errors.Is(err, wire.ErrConnClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		rest, _ := sh.Read(ctx, 0, 0, false)
		if _, err := os.Stdout.Write(append(first, rest...)); err != nil {
			return err
		}
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <nodeid> <command>",
		Short: "Run one command through a prompt-synchronized shell",
		Long: `Open a terminal tunnel, wait for the shell prompt, send the command,
and print the output captured before the next prompt.`,
		Args: cobra.ExactArgs(2),
		RunE: runRun,
	}
	cmd.Flags().String("prompt", `[#$] $`, "regex matching the remote shell prompt")
	cmd.Flags().Duration("timeout", 30*time.Second, "prompt and command timeout")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)
	promptStr, _ := cmd.Flags().GetString("prompt")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	prompt, err := regexp.Compile(promptStr)
	if err != nil {
		return fmt.Errorf("invalid prompt regex %q: %w", promptStr, err)
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

	ss, err := shell.AttachSmart(ctx, sess, args[0], prompt, timeout, logger)
	if err != nil {
		return err
	}
	defer func() { _ = ss.Close() }()

	out, err := ss.SendCommand(ctx, args[1], timeout)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
