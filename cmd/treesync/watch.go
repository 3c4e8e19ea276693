package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/treesync/internal/config"
	"github.com/fruitsalade/treesync/internal/events"
	"github.com/fruitsalade/treesync/internal/logging"
	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/internal/workspace"
	"github.com/fruitsalade/treesync/pkg/retry"
	"github.com/fruitsalade/treesync/pkg/tree"
	"github.com/fruitsalade/treesync/pkg/uri"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the workspace and print tree notifications as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String(config.KeyMetricsAddr, "", "Serve Prometheus metrics on this address (e.g. :9090)")
	_ = v.BindPFlag(config.KeyMetricsAddr, cmd.Flags().Lookup(config.KeyMetricsAddr))
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, out io.Writer) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Expand(ctx, a.svc.Root(), cfg.ExpandDepth); err != nil {
		return err
	}
	sub := a.bc.Subscribe()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		logging.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.MetricsAddr)
		})
	}
	g.Go(func() error {
		return printEvents(ctx, out, sub)
	})
	g.Go(func() error {
		return superviseWatches(ctx, a)
	})
	g.Go(func() error {
		return a.ws.Follow(ctx, func(ctx context.Context, dir uri.URI) (workspace.Watcher, error) {
			w, err := a.client.WatchFileChanges(ctx, dir)
			if err != nil {
				return nil, err
			}
			return w, nil
		})
	})

	logging.Info("Watching workspace",
		zap.String("root", a.svc.Root().Path()),
		zap.Int("nodes", tree.CountNodes(a.svc.Snapshot())),
		zap.Int("watches", a.svc.Watches().Len()))

	err = g.Wait()
	logging.Info("Stopped watching")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEvents(ctx context.Context, w io.Writer, sub <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			data, err := events.MarshalEvent(ev)
			if err != nil {
				logging.Warn("Encoding event failed", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintln(w, string(data)); err != nil {
				return err
			}
		}
	}
}

// superviseWatches re-establishes every watch after a watcher failure and
// queues a full refresh to pick up whatever was missed meanwhile.
func superviseWatches(ctx context.Context, a *app) error {
	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.Warn("Re-watch failed",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case werr := <-a.client.Errors():
			logging.Warn("Watcher error, reconnecting", zap.Error(werr))
			err := retry.Do(ctx, cfg, func() error {
				return retry.Retryable(a.svc.ReWatch(ctx))
			})
			if err != nil {
				logging.Error("Giving up on re-watch", zap.Error(err))
				continue
			}
			logging.Debug("Watches re-established", zap.Int("watches", a.svc.Watches().Len()))
			a.svc.Refresh(nil)
		}
	}
}
