// Package queue durably stores mutating requests that could not reach the
// network and replays them with exponential backoff once connectivity
// returns. Admission is fire-and-forget: once a request is queued the caller
// gets no further notification, so only mutations whose delayed success is
// acceptable (and whose loss is tolerable) belong here.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/a-essam23/go-uplink/pkg/backoff"
	"github.com/a-essam23/go-uplink/pkg/config"
	"github.com/a-essam23/go-uplink/pkg/netmon"
	"github.com/a-essam23/go-uplink/pkg/storage"
	"github.com/a-essam23/go-uplink/pkg/transport"
)

// ErrNotQueueable rejects descriptors that must not be replayed blindly.
// Reads are never queued; they fail fast to the caller instead.
var ErrNotQueueable = errors.New("request method is not queueable")

// QueuedRequest is the durable record of one not-yet-confirmed mutation.
// CreatedAt is immutable; Retries and LastAttempt advance on every failed
// replay until the record succeeds, exceeds MaxRetries, or ages out.
type QueuedRequest struct {
	ID          string          `json:"id"`
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	Body        json.RawMessage `json:"body,omitempty"`
	Header      http.Header     `json:"headers,omitempty"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastAttempt *time.Time      `json:"lastAttempt,omitempty"`
}

type Queue struct {
	mu         sync.Mutex
	items      []*QueuedRequest
	processing bool
	dropped    atomic.Int64

	store   storage.Store
	client  transport.Doer
	monitor netmon.Monitor
	cfg     config.QueueConfig
	logger  *slog.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	unsub  func()
}

// New loads the persisted queue, silently discarding records older than the
// expiry window. They are presumed stale and are dropped, not replayed.
func New(logger *slog.Logger, store storage.Store, client transport.Doer, monitor netmon.Monitor, cfg config.QueueConfig) (*Queue, error) {
	q := &Queue{
		store:   store,
		client:  client,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "offline_queue")),
	}

	var persisted []*QueuedRequest
	if _, err := store.Get(cfg.StorageKey, &persisted); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	cutoff := time.Now().Add(-cfg.MaxAge)
	kept := make([]*QueuedRequest, 0, len(persisted))
	for _, item := range persisted {
		if cfg.MaxAge > 0 && item.CreatedAt.Before(cutoff) {
			q.logger.Info("Discarding expired queued request",
				slog.String("id", item.ID),
				slog.Time("createdAt", item.CreatedAt),
			)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if len(kept) != len(persisted) {
		if err := q.persistLocked(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// persistLocked flushes the in-memory list. Callers hold q.mu (or, during
// New, have exclusive access); the durable copy must never lag a mutation.
func (q *Queue) persistLocked() error {
	return q.store.Set(q.cfg.StorageKey, q.items)
}

// Enqueue admits a mutating request and returns its generated id.
func (q *Queue) Enqueue(req transport.Request) (string, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", ErrNotQueueable
	}

	item := &QueuedRequest{
		ID:     uuid.NewString(),
		Method: req.Method,
		URL:    req.URL,
		Body:   req.Body,
		// detached copy: the record must keep the enqueue-time headers even
		// if the caller keeps mutating its map
		Header:     req.Header.Clone(),
		MaxRetries: q.cfg.MaxRetries,
		CreatedAt:  time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		// keep the in-memory copy regardless; it is the source of truth
		// for this process lifetime.
		q.logger.Error("Failed to persist queue after enqueue", slog.Any("error", err))
	}
	q.logger.Debug("Request queued",
		slog.String("id", item.ID),
		slog.String("method", item.Method),
		slog.String("url", item.URL),
	)
	return item.ID, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many items were abandoned at the retry ceiling since
// this queue was constructed.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Process sweeps the queue once, attempting items in insertion order. The
// sweep is skipped when one is already running, the device is offline, or the
// queue is empty; it aborts mid-way if connectivity is lost, so the retry
// budget is never burned against a dead network.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.processing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	if !q.monitor.Online() {
		q.mu.Unlock()
		return
	}
	q.processing = true
	snapshot := make([]*QueuedRequest, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	q.logger.Debug("Processing offline queue", slog.Int("items", len(snapshot)))
	for _, item := range snapshot {
		if ctx.Err() != nil {
			return
		}
		// network state can change during any suspended attempt;
		// re-check before every item and abort the whole sweep.
		if !q.monitor.Online() {
			q.logger.Debug("Connectivity lost mid-sweep, aborting")
			return
		}
		if !q.eligible(item) {
			continue
		}
		q.attempt(ctx, item)
	}
}

// eligible applies the per-item backoff window. Skipping is not a failure and
// does not advance the retry count.
func (q *Queue) eligible(item *QueuedRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.LastAttempt == nil {
		return true
	}
	delay := backoff.Delay(q.cfg.Backoff.BaseDelay, q.cfg.Backoff.MaxDelay, item.Retries)
	return time.Now().After(item.LastAttempt.Add(delay))
}

func (q *Queue) attempt(ctx context.Context, item *QueuedRequest) {
	_, err := q.client.Do(ctx, &transport.Request{
		Method: item.Method,
		URL:    item.URL,
		Body:   item.Body,
		// per-attempt copy: interceptors set headers on the request they
		// are handed, and those must never leak into the durable record
		Header: item.Header.Clone(),
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.removeLocked(item.ID)
		q.logger.Info("Queued request delivered", slog.String("id", item.ID))
	} else {
		now := time.Now()
		item.Retries++
		item.LastAttempt = &now
		if item.Retries >= item.MaxRetries {
			q.removeLocked(item.ID)
			q.dropped.Add(1)
			q.logger.Warn("Dropping queued request at retry ceiling",
				slog.String("id", item.ID),
				slog.String("url", item.URL),
				slog.Int("retries", item.Retries),
				slog.Any("error", err),
			)
		} else {
			q.logger.Debug("Queued request attempt failed",
				slog.String("id", item.ID),
				slog.Int("retries", item.Retries),
				slog.Any("error", err),
			)
		}
	}
	if err := q.persistLocked(); err != nil {
		q.logger.Error("Failed to persist queue after sweep mutation", slog.Any("error", err))
	}
}

func (q *Queue) removeLocked(id string) {
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Start wires the sweep triggers: connectivity restoration, a periodic timer
// that only acts when the queue is non-empty, and an immediate sweep when the
// process comes up online with persisted work.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.unsub = q.monitor.Subscribe(func(online bool) {
		if online {
			go q.Process(runCtx)
		}
	})

	go func() {
		ticker := time.NewTicker(q.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if q.Len() > 0 {
					q.Process(runCtx)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	if q.monitor.Online() && q.Len() > 0 {
		go q.Process(runCtx)
	}
}

// Stop cancels the triggers. Idempotent.
func (q *Queue) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel == nil {
		return
	}
	q.cancel()
	q.cancel = nil
	if q.unsub != nil {
		q.unsub()
		q.unsub = nil
	}
}
