package contextsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"smartlog/internal/artifacts"
	"smartlog/internal/queue"
)

const (
	SnapshotKey          = "context-feed/latest.json"
	DefaultBatchSize     = 20
	DefaultFlushInterval = 2 * time.Second
	DefaultBufferSize    = 1000
	SnapshotSize         = 50
	publishTimeout       = 5 * time.Second
)

type Snapshot struct {
	UpdatedAt time.Time             `json:"updatedAt"`
	Updates   []queue.ContextUpdate `json:"updates"`
}

// Sync is a one-way feed of pipeline outcomes. Offer never blocks and a full
// buffer drops the update.
type Sync struct {
	producer      queue.Producer
	snapshots     artifacts.Store
	logger        *zap.Logger
	now           func() time.Time
	batchSize     int
	flushInterval time.Duration

	updates chan queue.ContextUpdate
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped sync.Once
	dropped atomic.Int64

	mu     sync.Mutex
	recent []queue.ContextUpdate
}

type Option func(*Sync)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sync) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sync) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBatchSize(size int) Option {
	return func(s *Sync) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

func WithFlushInterval(interval time.Duration) Option {
	return func(s *Sync) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

func WithBufferSize(size int) Option {
	return func(s *Sync) {
		if size > 0 {
			s.updates = make(chan queue.ContextUpdate, size)
		}
	}
}

func New(producer queue.Producer, snapshots artifacts.Store, opts ...Option) *Sync {
	if producer == nil {
		producer = queue.NewNoopProducer()
	}
	if snapshots == nil {
		snapshots = artifacts.NewNoopStore()
	}
	s := &Sync{
		producer:      producer,
		snapshots:     snapshots,
		logger:        zap.NewNop(),
		now:           time.Now,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		updates:       make(chan queue.ContextUpdate, DefaultBufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start seeds the rolling snapshot from the object store and launches the
// batching loop. It returns immediately.
func (s *Sync) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.seed(ctx)
	go s.run()
}

func (s *Sync) seed(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	raw, err := s.snapshots.LoadJSON(loadCtx, SnapshotKey)
	if err != nil {
		if !errors.Is(err, artifacts.ErrNotConfigured) && !errors.Is(err, artifacts.ErrObjectNotFound) {
			s.logger.Info("context feed snapshot not loaded", zap.Error(err))
		}
		return
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		s.logger.Warn("context feed snapshot unreadable", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.recent = keepLast(snapshot.Updates, SnapshotSize)
	s.mu.Unlock()
}

// Offer queues an update. It reports false when the update was dropped.
func (s *Sync) Offer(update queue.ContextUpdate) bool {
	select {
	case <-s.stop:
		s.dropped.Add(1)
		return false
	default:
	}
	if update.CreatedAt.IsZero() {
		update.CreatedAt = s.now().UTC()
	}
	select {
	case s.updates <- update:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Sync) Dropped() int64 {
	return s.dropped.Load()
}

// Recent returns the updates held in the rolling snapshot, oldest first.
func (s *Sync) Recent() []queue.ContextUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.ContextUpdate(nil), s.recent...)
}

// Close stops the loop after flushing whatever is buffered.
func (s *Sync) Close(ctx context.Context) error {
	s.stopped.Do(func() { close(s.stop) })
	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sync) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]queue.ContextUpdate, 0, s.batchSize)
	for {
		select {
		case update := <-s.updates:
			batch = append(batch, update)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.stop:
			for {
				select {
				case update := <-s.updates:
					batch = append(batch, update)
					if len(batch) >= s.batchSize {
						s.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *Sync) flush(batch []queue.ContextUpdate) {
	updates := append([]queue.ContextUpdate(nil), batch...)
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := s.producer.PublishContextUpdates(ctx, updates); err != nil {
		s.logger.Warn("context feed publish failed", zap.Int("updates", len(updates)), zap.Error(err))
	}

	s.mu.Lock()
	s.recent = keepLast(append(s.recent, updates...), SnapshotSize)
	snapshot := Snapshot{UpdatedAt: s.now().UTC(), Updates: append([]queue.ContextUpdate(nil), s.recent...)}
	s.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Warn("context feed snapshot encode failed", zap.Error(err))
		return
	}
	if err := s.snapshots.StoreJSON(ctx, SnapshotKey, payload); err != nil && !errors.Is(err, artifacts.ErrNotConfigured) {
		s.logger.Warn("context feed snapshot store failed", zap.Error(err))
	}
}

func keepLast(updates []queue.ContextUpdate, n int) []queue.ContextUpdate {
	if len(updates) <= n {
		return updates
	}
	return append([]queue.ContextUpdate(nil), updates[len(updates)-n:]...)
}
