package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobtrack/jobtrack/internal/config"
	"github.com/jobtrack/jobtrack/internal/mockserver"
)

func newMockCmd() *cobra.Command {
	var (
		addr string
		tick time.Duration
		step int
		rps  int
	)
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run an in-memory backend for local development",
		Long:  "Serve the REST API and the push relay from memory. Jobs advance by --step records every --tick.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadMock()
			if err != nil {
				return err
			}
			log := cfg.Logger()
			if addr == "" {
				addr = cfg.MockAddr
			}

			opts := []mockserver.Option{mockserver.WithLogger(log), mockserver.WithRateLimit(rps)}
			if cfg.Token != "" {
				opts = append(opts, mockserver.WithTokens(cfg.Token))
			}
			s := mockserver.New(opts...)
			defer s.Close()

			ctx := cmd.Context()
			if step > 0 {
				go s.Simulate(ctx, tick, step)
			}

			srv := &http.Server{
				Addr:         addr,
				Handler:      s.Handler(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
			go func() {
				<-ctx.Done()
				log.Info("mockserver: shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error("mockserver: shutdown error", "error", err)
				}
			}()

			log.Info("mockserver: listening", "addr", addr, "auth", cfg.Token != "")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $JOBTRACK_MOCK_ADDR or :8081)")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "simulation interval")
	cmd.Flags().IntVar(&step, "step", 10, "records processed per job per tick, 0 to drive jobs manually")
	cmd.Flags().IntVar(&rps, "rate-limit", 0, "job creations per second per client IP, 0 for none")
	return cmd
}
