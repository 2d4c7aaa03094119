// Command cyclectl inspects crop cycles through the fieldops cache: it prints
// cycle rollups from the configured backend, computes growth stages and
// manages snapshot archives.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fieldops/internal/blob"
	"fieldops/internal/config"
	"fieldops/internal/core"
)

const dateLayout = "2006-01-02"

var exitFunc = os.Exit

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cyclectl:", err)
		exitFunc(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	out        io.Writer
	errOut     io.Writer
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	now        func() time.Time
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut, now: func() time.Time { return time.Now().UTC() }}
	root := &cobra.Command{
		Use:           "cyclectl",
		Short:         "Inspect crop cycle rollups, growth stages and snapshot archives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.NewLogger(a.errOut)
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (default $"+config.EnvConfigFile+")")
	root.AddCommand(newRollupCmd(a), newStageCmd(a), newArchiveCmd(a))
	return root
}

// openService opens the configured backend and wraps it in a session. The
// returned func closes both.
func (a *app) openService(at time.Time) (*core.Service, func(), error) {
	backend, err := a.cfg.OpenBackend()
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}
	opts := append(a.cfg.ServiceOptions(a.logger, nil), core.WithClock(core.ClockFunc(func() time.Time { return at })))
	svc := core.NewService(backend, opts...)
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			a.logger.Warn("session close", "error", err)
		}
		if c, ok := backend.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return svc, cleanup, nil
}

func (a *app) openBlobStore(ctx context.Context) (blob.Store, error) {
	store, err := blob.OpenWith(ctx, a.cfg.BlobConfig())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return store, nil
}

// parseDate reads an optional YYYY-MM-DD flag value; empty returns fallback.
func parseDate(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want %s", value, dateLayout)
	}
	return t, nil
}
