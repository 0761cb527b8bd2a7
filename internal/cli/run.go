package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/sakif/script-playground/internal/config"
	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/executor/docker"
	"github.com/sakif/script-playground/internal/executor/jsvm"
	"github.com/sakif/script-playground/internal/protocol"
	"github.com/sakif/script-playground/internal/render"
	sqliteRepo "github.com/sakif/script-playground/internal/repository/sqlite"
	"github.com/sakif/script-playground/internal/service"
	"github.com/sakif/script-playground/internal/session"
)

// ErrRunFailed is returned when the script wrote to the error channel.
var ErrRunFailed = errors.New("script reported errors")

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Backend  string
	Wait     time.Duration
	Quiet    time.Duration
	Database string
	Saved    string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Run a script and print its output",
		Long: `Run a script in a fresh execution context and print every console call
as one line, in order.

The script is read from a file, from stdin when the argument is "-" or
missing, or from the script store with --saved. Output stops after --quiet
passes with nothing new, or after --wait in total.

Example:
  playrun run hello.js
  echo 'console.log(1 + 1)' | playrun run -
  playrun run --db data/playground.db --saved demo --backend docker`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runScript(cmd, opts, path)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", config.BackendGoja, "execution backend (goja|docker)")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 10*time.Second, "maximum time to wait for output")
	cmd.Flags().DurationVar(&opts.Quiet, "quiet", 500*time.Millisecond, "stop after this long without new output")
	cmd.Flags().StringVar(&opts.Database, "db", "", "script store to load --saved from")
	cmd.Flags().StringVar(&opts.Saved, "saved", "", "run the script saved under this key")

	return cmd
}

func runScript(cmd *cobra.Command, opts *RunOptions, path string) error {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := loadCode(ctx, cmd, opts, path, logger)
	if err != nil {
		return err
	}

	exec, closeExec, err := newExecutor(opts, logger)
	if err != nil {
		return err
	}
	defer closeExec()

	s := session.New(xid.New().String(), exec, session.DefaultConfig(), logger, nil)
	defer s.Close()

	_, updates, cancel, err := s.Subscribe()
	if err != nil {
		return err
	}
	defer cancel()

	if err := s.Run(code); err != nil {
		return err
	}

	// A context still booting has not had a chance to be quiet yet.
	settled := func() bool {
		st := s.State()
		return st != session.Preparing && st != session.AwaitingReady
	}
	errorsSeen, err := printUpdates(ctx, cmd.OutOrStdout(), opts, updates, settled)
	if err != nil {
		return err
	}
	if errorsSeen > 0 {
		return fmt.Errorf("%w: %d error line(s)", ErrRunFailed, errorsSeen)
	}
	return nil
}

func loadCode(ctx context.Context, cmd *cobra.Command, opts *RunOptions, path string, logger *slog.Logger) (string, error) {
	if opts.Saved != "" {
		if opts.Database == "" {
			return "", errors.New("--saved requires --db")
		}
		db, err := sqliteRepo.New(opts.Database)
		if err != nil {
			return "", err
		}
		defer db.Close()

		code, found, err := service.NewScriptService(db, logger, 0).Get(ctx, opts.Saved)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("no script saved under %q", opts.Saved)
		}
		return code, nil
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(b), nil
}

func newExecutor(opts *RunOptions, logger *slog.Logger) (executor.Executor, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	switch opts.Backend {
	case config.BackendGoja:
		return jsvm.New(cfg.JSVM(), logger), func() {}, nil
	case config.BackendDocker:
		dcfg := cfg.DockerExecutor()
		dcfg.PoolSize = 1
		d, err := docker.New(dcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker executor unavailable: %w", err)
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("invalid backend %q: must be %q or %q", opts.Backend, config.BackendGoja, config.BackendDocker)
	}
}

// printUpdates writes lines until the output goes quiet once settled, the
// deadline passes, or ctx ends. It reports how many error lines were
// printed.
func printUpdates(ctx context.Context, w io.Writer, opts *RunOptions, updates <-chan session.Update, settled func() bool) (int, error) {
	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()
	quiet := time.NewTimer(opts.Quiet)
	defer quiet.Stop()

	enc := json.NewEncoder(w)
	errorsSeen := 0

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return errorsSeen, nil
			}
			if u.Line == nil {
				continue
			}
			if u.Line.Kind == protocol.KindError {
				errorsSeen++
			}
			if err := printLine(w, enc, opts.Format, *u.Line); err != nil {
				return errorsSeen, err
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(opts.Quiet)
		case <-quiet.C:
			if !settled() {
				quiet.Reset(opts.Quiet)
				continue
			}
			return errorsSeen, nil
		case <-deadline.C:
			return errorsSeen, nil
		case <-ctx.Done():
			return errorsSeen, ctx.Err()
		}
	}
}

func printLine(w io.Writer, enc *json.Encoder, format string, line render.Line) error {
	if format == "json" {
		return enc.Encode(line)
	}
	_, err := fmt.Fprintf(w, "[%s] %s\n", line.Kind, line.Text)
	return err
}
