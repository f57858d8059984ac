package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"protoscale/internal/devserver"
)

func devserverCmd(a *app) *cobra.Command {
	var (
		addr      string
		stage     time.Duration
		texture   time.Duration
		origins   []string
		rateLimit float64
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve a simulated job backend for local development",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if addr == "" {
			addr = a.cfg.DevServerAddr
		}
		sim := devserver.NewSim(devserver.SimOptions{StageDuration: stage, TextureDuration: texture})
		mux := devserver.NewMux(sim, devserver.Options{
			APIKey:       a.cfg.APIKey,
			CORSOrigins:  origins,
			GenerateRate: rateLimit,
			Logger:       &a.log,
		})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		errc := make(chan error, 1)
		go func() {
			a.log.Info().Str("addr", addr).Msg("devserver listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "Listen address (PROTOSCALE_DEVSERVER_ADDR, default :8000)")
	f.DurationVar(&stage, "stage-duration", 2*time.Second, "Simulated time per pipeline stage")
	f.DurationVar(&texture, "texture-duration", 10*time.Second, "Simulated re-texture time")
	f.StringSliceVar(&origins, "cors-origin", nil, "Allowed CORS origin (repeatable)")
	f.Float64Var(&rateLimit, "generate-rate", 0, "Max generate requests per second (0 = unlimited)")
	return cmd
}
