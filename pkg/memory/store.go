package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/stocklock/pkg/stock"
)

const DefaultLockTimeout = 5 * time.Second

type storeMetrics struct {
	lockWait  *prometheus.HistogramVec
	deadlocks prometheus.Counter
	conflicts prometheus.Counter
}

func newStoreMetrics(r prometheus.Registerer) *storeMetrics {
	var m storeMetrics

	m.lockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_lock_wait_seconds",
		Help:    "Time spent waiting for stock locks",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
	}, []string{"mode"})

	m.deadlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_lock_deadlocks_total",
		Help: "Total shared lock upgrades refused as deadlock victims",
	})

	m.conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_write_conflicts_total",
		Help: "Total versioned writes refused because the revision changed",
	})

	r.MustRegister(m.lockWait, m.deadlocks, m.conflicts)
	return &m
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds every lock wait. Zero waits until the context ends.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// WithSharedEscalation selects what a shared holder does when it writes.
// Enabled, the default, the hold is upgraded to exclusive before the write is
// applied. Disabled, shared holds are only incompatible with exclusive holds
// and a shared holder writes without waiting for other readers.
func WithSharedEscalation(enabled bool) Option {
	return func(s *Store) {
		s.escalate = enabled
	}
}

// WithReadDelay adds latency to every read made inside a unit of work, standing
// in for the round trip of a remote store.
func WithReadDelay(d time.Duration) Option {
	return func(s *Store) {
		s.readDelay = d
	}
}

// Store is an in-memory stock store with row level shared/exclusive locks and
// revision checked writes.
type Store struct {
	mux     sync.RWMutex
	records map[int64]stock.Stock

	locks  *lockTable
	nextTx uint64

	lockTimeout time.Duration
	escalate    bool
	readDelay   time.Duration

	logger  *logrus.Logger
	metrics *storeMetrics
}

// NewStore creates an empty in-memory store
func NewStore(logger *logrus.Logger, registerer prometheus.Registerer, opts ...Option) *Store {
	s := &Store{
		records:     make(map[int64]stock.Stock),
		lockTimeout: DefaultLockTimeout,
		escalate:    true,
		logger:      logger,
		metrics:     newStoreMetrics(registerer),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.locks = newLockTable(s.lockTimeout, s.metrics)
	return s
}

func (s *Store) Create(ctx context.Context, st stock.Stock) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st.Revision = 0

	s.mux.Lock()
	s.records[st.ID] = st
	s.mux.Unlock()

	return nil
}

func (s *Store) Get(ctx context.Context, id int64) (stock.Stock, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	st, ok := s.records[id]
	if !ok {
		return stock.Stock{}, errors.Wrapf(stock.ErrNotFound, "stock %d", id)
	}

	return st, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mux.Lock()
	delete(s.records, id)
	s.mux.Unlock()

	return nil
}

func (s *Store) Begin(ctx context.Context) (stock.Tx, error) {
	return &tx{
		id:     atomic.AddUint64(&s.nextTx, 1),
		store:  s,
		held:   make(map[int64]lockMode),
		writes: make(map[int64]pendingWrite),
	}, nil
}

type pendingWrite struct {
	stock     stock.Stock
	versioned bool
}

type tx struct {
	id     uint64
	store  *Store
	held   map[int64]lockMode
	writes map[int64]pendingWrite
	order  []int64
	done   bool
}

func (t *tx) Get(ctx context.Context, id int64) (stock.Stock, error) {
	if t.done {
		return stock.Stock{}, stock.ErrTxDone
	}

	return t.read(ctx, id)
}

func (t *tx) GetExclusive(ctx context.Context, id int64) (stock.Stock, error) {
	return t.getLocked(ctx, id, exclusive)
}

func (t *tx) GetShared(ctx context.Context, id int64) (stock.Stock, error) {
	return t.getLocked(ctx, id, shared)
}

func (t *tx) getLocked(ctx context.Context, id int64, mode lockMode) (stock.Stock, error) {
	if t.done {
		return stock.Stock{}, stock.ErrTxDone
	}

	held, ok := t.held[id]
	switch {
	case !ok:
		if err := t.store.locks.acquire(ctx, t.id, id, mode); err != nil {
			return stock.Stock{}, err
		}
		t.held[id] = mode
	case held == shared && mode == exclusive:
		if err := t.store.locks.upgrade(ctx, t.id, id); err != nil {
			return stock.Stock{}, err
		}
		t.held[id] = exclusive
	}

	return t.read(ctx, id)
}

func (t *tx) read(ctx context.Context, id int64) (stock.Stock, error) {
	if d := t.store.readDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return stock.Stock{}, ctx.Err()
		}
	}

	return t.store.Get(ctx, id)
}

func (t *tx) Save(ctx context.Context, st stock.Stock) error {
	return t.buffer(st, false)
}

func (t *tx) SaveVersioned(ctx context.Context, st stock.Stock) error {
	if t.done {
		return stock.ErrTxDone
	}

	current, err := t.store.Get(ctx, st.ID)
	if err != nil {
		return err
	}

	if current.Revision != st.Revision {
		t.store.metrics.conflicts.Inc()
		return errors.Wrapf(stock.ErrConflict, "stock %d read at revision %d, now %d", st.ID, st.Revision, current.Revision)
	}

	return t.buffer(st, true)
}

func (t *tx) buffer(st stock.Stock, versioned bool) error {
	if t.done {
		return stock.ErrTxDone
	}

	if st.Quantity < 0 {
		return errors.Wrapf(stock.ErrInsufficientQuantity, "stock %d cannot be stored with quantity %d", st.ID, st.Quantity)
	}

	if _, ok := t.writes[st.ID]; !ok {
		t.order = append(t.order, st.ID)
	}
	t.writes[st.ID] = pendingWrite{stock: st, versioned: versioned}
	return nil
}

// Commit gains write access to every written record, applies the writes
// atomically and releases all holds, whether or not it succeeded.
func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return stock.ErrTxDone
	}
	defer t.finish()

	for _, id := range t.order {
		if err := t.writeAccess(ctx, id); err != nil {
			return err
		}
	}

	s := t.store
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, id := range t.order {
		w := t.writes[id]
		current, ok := s.records[id]
		if !ok {
			return errors.Wrapf(stock.ErrNotFound, "stock %d", id)
		}

		if w.versioned && current.Revision != w.stock.Revision {
			s.metrics.conflicts.Inc()
			return errors.Wrapf(stock.ErrConflict, "stock %d read at revision %d, now %d", id, w.stock.Revision, current.Revision)
		}
	}

	for _, id := range t.order {
		w := t.writes[id]
		next := w.stock
		next.Revision = s.records[id].Revision + 1
		s.records[id] = next
	}

	return nil
}

func (t *tx) writeAccess(ctx context.Context, id int64) error {
	switch mode, ok := t.held[id]; {
	case ok && mode == exclusive:
		return nil
	case ok && mode == shared:
		if !t.store.escalate {
			return nil
		}
		if err := t.store.locks.upgrade(ctx, t.id, id); err != nil {
			return err
		}
	default:
		if err := t.store.locks.acquire(ctx, t.id, id, exclusive); err != nil {
			return err
		}
	}

	t.held[id] = exclusive
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return stock.ErrTxDone
	}

	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	for id := range t.held {
		t.store.locks.release(t.id, id)
	}

	if len(t.held) > 0 {
		t.store.logger.WithFields(logrus.Fields{
			"tx":    t.id,
			"locks": len(t.held),
		}).Trace("released stock locks")
	}

	t.held = nil
	t.writes = nil
}
