package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"missionproof/internal/domain"
	"missionproof/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Handler reacts to one completion write. It must be idempotent: a write may
// be delivered again after a crash or a failed batch.
type Handler interface {
	HandleWrite(ctx context.Context, w domain.CompletionWrite) error
}

type HandlerFunc func(ctx context.Context, w domain.CompletionWrite) error

func (f HandlerFunc) HandleWrite(ctx context.Context, w domain.CompletionWrite) error {
	return f(ctx, w)
}

// Subscription names a handler. The name keys its persisted cursor.
type Subscription struct {
	Name    string
	Handler Handler
}

// Dispatcher polls the change feed and feeds each subscription in order.
// Subscriptions advance independently; a failing handler holds only its own
// cursor back.
type Dispatcher struct {
	Repo     repo.Repo
	Subs     []Subscription
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger

	mu sync.Mutex
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.logger().Info("trigger dispatcher started", "subscriptions", len(d.Subs), "interval", interval)
	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger().Warn("trigger poll incomplete", "err", err)
		}
		select {
		case <-ctx.Done():
			d.logger().Info("trigger dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll delivers at most one batch per subscription and reports how many
// writes were handled in total.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		errs  []error
	)
	for _, sub := range d.Subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			n, err := d.deliver(ctx, sub)
			mu.Lock()
			total += n
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sub.Name, err))
			}
			mu.Unlock()
		}(sub)
	}
	wg.Wait()
	return total, errors.Join(errs...)
}

// Drain polls until every subscription has caught up with the feed. It stops
// early and returns the error when a round makes no progress.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.Poll(ctx)
		total += n
		if err != nil && n == 0 {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscription) (int, error) {
	batch := d.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	cursor, err := d.Repo.GetCursor(ctx, sub.Name)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	rows, err := d.Repo.CompletionWritesAfter(ctx, cursor, batch)
	if err != nil {
		return 0, fmt.Errorf("fetch writes: %w", err)
	}
	handled := 0
	for _, raw := range rows {
		w, err := Decode(raw)
		if err != nil {
			// retrying cannot fix a bad row
			d.logger().Error("skipping undeliverable completion write", "subscription", sub.Name, "write_id", raw.ID, "err", err)
		} else if err := sub.Handler.HandleWrite(ctx, w); err != nil {
			d.logger().Warn("completion write handler failed", "subscription", sub.Name, "write_id", raw.ID, "err", err)
			return handled, err
		}
		if err := d.Repo.SetCursor(ctx, sub.Name, raw.ID); err != nil {
			return handled, fmt.Errorf("save cursor: %w", err)
		}
		handled++
	}
	return handled, nil
}

// Lag reports how far each subscription trails the newest write.
func (d *Dispatcher) Lag(ctx context.Context) (map[string]int64, error) {
	latest, err := d.Repo.LatestCompletionWriteID(ctx)
	if err != nil {
		return nil, err
	}
	lag := make(map[string]int64, len(d.Subs))
	for _, sub := range d.Subs {
		cur, err := d.Repo.GetCursor(ctx, sub.Name)
		if err != nil {
			return nil, err
		}
		lag[sub.Name] = latest - cur
	}
	return lag, nil
}
