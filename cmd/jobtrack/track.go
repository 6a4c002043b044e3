package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobtrack/jobtrack/internal/job"
	"github.com/jobtrack/jobtrack/internal/metrics"
	"github.com/jobtrack/jobtrack/internal/notify"
	"github.com/jobtrack/jobtrack/internal/registry"
)

// tracker is a registry restored from the local database, optionally fed by
// the relay.
type tracker struct {
	*app
	reg     *registry.Registry
	closers []func()
}

func openTracker(cmd *cobra.Command, live bool) (*tracker, error) {
	a, err := loadApp()
	if err != nil {
		return nil, err
	}
	reg, closeStore, err := a.openRegistry(cmd.Context())
	if err != nil {
		return nil, err
	}
	t := &tracker{app: a, reg: reg, closers: []func(){closeStore}}
	if live {
		disconnect, err := a.connect(cmd.Context(), reg)
		if err != nil {
			t.close()
			return nil, err
		}
		t.closers = append(t.closers, disconnect)
	}
	return t, nil
}

// close releases resources in reverse order of acquisition.
func (t *tracker) close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

type target struct {
	kind job.Kind
	id   string
}

// startJobs creates jobs through the registry so they are tracked, prints
// their ids and, with wait, follows them to the end. The relay is connected
// before the create call so no early event is missed.
func startJobs(cmd *cobra.Command, kind job.Kind, wait bool, create func(*tracker) ([]string, error)) error {
	t, err := openTracker(cmd, wait)
	if err != nil {
		return err
	}
	defer t.close()

	ids, err := create(t)
	if err != nil {
		return err
	}
	targets := make([]target, len(ids))
	for i, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s created\n", kind, id)
		targets[i] = target{kind, id}
	}
	if !wait {
		return nil
	}
	catchUp(cmd.Context(), t.reg, targets)
	return follow(cmd.Context(), cmd.OutOrStdout(), t.reg, targets, nil)
}

// catchUp fetches one snapshot per target. Events pushed before the create
// response returned were dropped as unknown ids, so a fast job would
// otherwise sit in pending until the next reconnect.
func catchUp(ctx context.Context, reg *registry.Registry, targets []target) {
	for _, tg := range targets {
		var err error
		if tg.kind == job.KindImport {
			err = reg.RefreshImport(ctx, tg.id)
		} else {
			err = reg.RefreshExport(ctx, tg.id)
		}
		if err != nil {
			slog.Warn("jobtrack: catch-up status fetch", "job_id", tg.id, "error", err)
		}
	}
}

// follow prints every update of targets until each reaches a terminal state
// or ctx ends. With a notifier, each job gets a second watch that feeds it.
// It fails if any job failed.
func follow(ctx context.Context, w io.Writer, reg *registry.Registry, targets []target, n *notify.Notifier) error {
	type watch struct {
		target
		ch <-chan registry.Update
	}
	var watches, feeds []watch
	unwatchAll := func() {
		for _, list := range [][]watch{watches, feeds} {
			for _, wt := range list {
				reg.Unwatch(wt.kind, wt.id, wt.ch)
			}
		}
	}
	for _, tg := range targets {
		ch, err := reg.Watch(tg.kind, tg.id)
		if err != nil {
			unwatchAll()
			return err
		}
		watches = append(watches, watch{tg, ch})
		if n == nil {
			continue
		}
		feed, err := reg.Watch(tg.kind, tg.id)
		if err != nil {
			unwatchAll()
			return err
		}
		feeds = append(feeds, watch{tg, feed})
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed []string
	)
	for _, wt := range feeds {
		wg.Go(func() { n.Track(ctx, wt.ch) })
	}
	for _, wt := range watches {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					unwatchAll()
					return
				case u, ok := <-wt.ch:
					if !ok {
						return
					}
					mu.Lock()
					printUpdate(w, u)
					if u.Job().Status == job.StatusFailed {
						failed = append(failed, wt.id)
					}
					mu.Unlock()
				}
			}
		})
	}
	wg.Wait()
	if n != nil {
		n.Wait()
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	var (
		kind        string
		metricsAddr string
		notifyURL   string
	)
	cmd := &cobra.Command{
		Use:   "watch [ID...]",
		Short: "Follow tracked jobs live until they finish",
		Long:  "Follow the given jobs, or every unfinished tracked job when no id is given, over the push relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseKind(kind)
			if err != nil {
				return err
			}
			t, err := openTracker(cmd, true)
			if err != nil {
				return err
			}
			defer t.close()

			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, t)
				defer stop()
			}

			var n *notify.Notifier
			if notifyURL == "" {
				notifyURL = t.cfg.NotifyURL
			}
			if notifyURL != "" {
				if n, err = notify.New(notifyURL, notify.WithLogger(t.log)); err != nil {
					return err
				}
			}

			targets := make([]target, 0, len(args))
			for _, id := range args {
				targets = append(targets, target{k, id})
			}
			if len(args) == 0 {
				targets = activeTargets(t.reg)
			}
			if len(targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no unfinished jobs are tracked")
				return nil
			}
			return follow(cmd.Context(), cmd.OutOrStdout(), t.reg, targets, n)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(job.KindExport), "kind of the given ids: export or import")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")
	cmd.Flags().StringVar(&notifyURL, "notify-url", "", "POST a callback here when a job finishes (default $JOBTRACK_NOTIFY_URL)")
	return cmd
}

func activeTargets(reg *registry.Registry) []target {
	var out []target
	for _, e := range reg.ActiveExports() {
		if !e.Status.IsTerminal() {
			out = append(out, target{job.KindExport, e.ID})
		}
	}
	for _, i := range reg.ActiveImports() {
		if !i.Status.IsTerminal() {
			out = append(out, target{job.KindImport, i.ID})
		}
	}
	return out
}

func serveMetrics(addr string, t *tracker) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		t.log.Info("jobtrack: serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("jobtrack: metrics server", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}
}

func newPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget finished jobs that completed before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			t, err := openTracker(cmd, false)
			if err != nil {
				return err
			}
			defer t.close()
			n, err := t.reg.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 72*time.Hour, "age of the completion time to prune at")
	return cmd
}
