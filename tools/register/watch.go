package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/TNZtims/bazaar-pos-sub001/client"
	"github.com/TNZtims/bazaar-pos-sub001/client/projector"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Poll time.Duration
}

// NewWatchCommand follows live availability.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live availability of the store",
		Long: `Join the store room and print what is available now whenever it
changes. The view is rebuilt from an authoritative read on every reconnect
and every --poll interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.newClient("")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, c, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&opts.Poll, "poll", 30*time.Second, "authoritative re-read interval")
	return cmd
}

type watcher struct {
	opts   *WatchOptions
	client *client.Client
	proj   *projector.Projector

	mu  sync.Mutex
	out io.Writer
}

func runWatch(ctx context.Context, opts *WatchOptions, c *client.Client, out io.Writer) error {
	w := &watcher{opts: opts, client: c, proj: projector.New(c.ActorID()), out: out}

	stream := c.NewStream(client.StreamOptions{
		OnEvent: func(ev models.Event) {
			if w.proj.Apply(ev) {
				w.print()
			}
		},
		OnReconnect: w.reconcile,
	})

	go func() {
		for st := range stream.StateChanges() {
			w.line("state", map[string]any{"state": st}, func(o io.Writer) { fmt.Fprintf(o, "-- %s\n", st) })
		}
	}()

	if opts.Poll > 0 {
		go func() {
			ticker := time.NewTicker(opts.Poll)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := w.reconcile(ctx); err != nil {
						opts.logger.Warn("Availability poll failed", zap.Error(err))
					}
				}
			}
		}()
	}

	return stream.Run(ctx)
}

func (w *watcher) reconcile(ctx context.Context) error {
	list, err := w.client.Products(ctx)
	if err != nil {
		return err
	}
	if stale := w.proj.Reconcile(list); stale > 0 {
		w.opts.logger.Debug("Projection drift reset", zap.Int("products", stale))
	}
	w.print()
	return nil
}

func (w *watcher) print() {
	snap := w.proj.Snapshot()
	w.line("availability", snap, func(o io.Writer) {
		ids := make([]string, 0, len(snap))
		for id := range snap {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(o, "%s", time.Now().Format(time.TimeOnly))
		for _, id := range ids {
			fmt.Fprintf(o, "  %s=%d", id, snap[id])
		}
		fmt.Fprintln(o)
	})
}

// line writes one record; JSON output is one object per line.
func (w *watcher) line(kind string, data any, text func(io.Writer)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opts.Format == "json" {
		_ = json.NewEncoder(w.out).Encode(map[string]any{"type": kind, "data": data})
		return
	}
	text(w.out)
}
