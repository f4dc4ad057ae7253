package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/meshwire/meshwire/internal/files"
	"github.com/meshwire/meshwire/internal/wire"
	"github.com/spf13/cobra"
)

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "File operations on a managed node",
	}
	cmd.AddCommand(lsCmd())
	cmd.AddCommand(mkdirCmd())
	cmd.AddCommand(rmCmd())
	cmd.AddCommand(renameCmd())
	cmd.AddCommand(uploadCmd())
	cmd.AddCommand(downloadCmd())
	return cmd
}

// withFiles handles the shared session/tunnel setup for the file
// subcommands.
func withFiles(cmd *cobra.Command, nodeID string, fn func(ctx context.Context, f *files.Files, logger *slog.Logger) error) error {
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

	if err := sess.Ping(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("ping server: %w", err)
	}

	f, err := files.AttachCached(ctx, sess, nodeID, logger)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return fn(ctx, f, logger)
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <nodeid> <path>",
		Short: "List a remote directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFiles(cmd, args[0], func(ctx context.Context, f *files.Files, _ *slog.Logger) error {
				reply, err := f.List(ctx, args[1])
				if err != nil {
					return err
				}
				printListing(reply)
				return nil
			})
		},
	}
}

func printListing(reply wire.Map) {
	entries, _ := reply["dir"].([]any)
	for _, e := range entries {
		ent, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name := wire.Str(ent, "n")
		if t, _ := ent["t"].(float64); t == 2 {
			// Directory entry type.
			fmt.Printf("%12s  %s/\n", "", name)
			continue
		}
		size, _ := ent["s"].(float64)
		fmt.Printf("%12.0f  %s\n", size, name)
	}
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <nodeid> <path>",
		Short: "Create a remote directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFiles(cmd, args[0], func(ctx context.Context, f *files.Files, _ *slog.Logger) error {
				return f.Mkdir(ctx, args[1])
			})
		},
	}
}

func rmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <nodeid> <path> <name>...",
		Short: "Delete remote files or directories",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, _ := cmd.Flags().GetBool("recursive")
			return withFiles(cmd, args[0], func(ctx context.Context, f *files.Files, _ *slog.Logger) error {
				return f.Remove(ctx, args[1], args[2:], recursive)
			})
		},
	}
	cmd.Flags().BoolP("recursive", "r", false, "delete directories recursively")
	return cmd
}

func renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <nodeid> <path> <oldname> <newname>",
		Short: "Rename a remote file or directory",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFiles(cmd, args[0], func(ctx context.Context, f *files.Files, _ *slog.Logger) error {
				return f.Rename(ctx, args[1], args[2], args[3])
			})
		},
	}
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <nodeid> <localfile> <remotedir>",
		Short: "Upload a local file to a remote directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				name = filepath.Base(args[1])
			}
			src, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			info, err := src.Stat()
			if err != nil {
				return err
			}
			return withFiles(cmd, args[0], func(ctx context.Context, f *files.Files, logger *slog.Logger) error {
				sent, err := f.Upload(ctx, src, info.Size(), args[2], name)
				if err != nil {
					return err
				}
				logger.Info("upload complete", "bytes", sent, "name", name)
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "remote file name (default: local base name)")
	return cmd
}

func downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <nodeid> <remotefile> [localfile]",
		Short: "Download a remote file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := filepath.Base(args[1])
			if len(args) == 3 {
				local = args[2]
			}
			dst, err := os.Create(local)
			if err != nil {
				return err
			}
			defer func() { _ = dst.Close() }()
			return withFiles(cmd, args[0], func(ctx context.Context, f *files.Files, logger *slog.Logger) error {
				written, err := f.Download(ctx, dst, args[1])
				if err != nil {
					if written > 0 {
						logger.Warn("download incomplete", "bytes", written, "error", err)
					}
					return err
				}
				logger.Info("download complete", "bytes", written, "file", local)
				return nil
			})
		},
	}
	return cmd
}
