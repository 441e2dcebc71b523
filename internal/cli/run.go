package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(g *globals) *cobra.Command {
	var canGenerateKeys bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the session and keep it connected until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rt.serve(ctx, canGenerateKeys)
		},
	}
	cmd.Flags().BoolVar(&canGenerateKeys, "generate-keys", false, "create legal identity keys when none are stored")
	return cmd
}

// serve loads the session, exposes metrics and blocks until ctx ends.
func (r *runtime) serve(ctx context.Context, canGenerateKeys bool) error {
	g, ctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if r.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
		metricsSrv = &http.Server{
			Addr:              r.cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			r.logger.Info("metrics listening", "addr", r.cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := r.manager.Load(ctx, canGenerateKeys); err != nil {
			return err
		}
		r.logger.Info("session loaded", "account", r.manager.BareAddress(), "lifecycle", string(r.manager.Lifecycle()))
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var err error
		if metricsSrv != nil {
			err = metricsSrv.Shutdown(shutdownCtx)
		}
		err = multierr.Append(err, r.manager.Unload(shutdownCtx))
		r.logger.Info("session unloaded")
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
