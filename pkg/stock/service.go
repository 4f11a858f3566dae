package stock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type metrics struct {
	decreases        *prometheus.CounterVec
	decreaseDuration *prometheus.HistogramVec
	retries          prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	var m metrics

	m.decreases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_decrease_total",
		Help: "Total stock decreases by strategy and result",
	}, []string{"strategy", "result"})

	m.decreaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stock_decrease_duration_seconds",
		Help:    "Duration of stock decreases, retries included",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
	}, []string{"strategy"})

	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stock_optimistic_retries_total",
		Help: "Total optimistic decrease retries caused by revision conflicts",
	})

	r.MustRegister(m.decreases, m.decreaseDuration, m.retries)
	return &m
}

// Option configures a Service.
type Option func(*Service)

// WithMaxAttempts caps the optimistic read-modify-write attempts per call.
// Zero, the default, retries until the context ends.
func WithMaxAttempts(n uint64) Option {
	return func(s *Service) {
		s.maxAttempts = n
	}
}

// WithBackOff sets the factory for the backoff used between optimistic retries.
// A fresh BackOff is built per call since implementations keep state.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Service) {
		s.newBackOff = newBackOff
	}
}

// Service decreases stock quantities using one of the supported strategies.
type Service struct {
	store   Store
	logger  *logrus.Logger
	metrics *metrics

	maxAttempts uint64
	newBackOff  func() backoff.BackOff
}

// NewService creates a new stock service
func NewService(
	store Store,
	logger *logrus.Logger,
	registerer prometheus.Registerer,
	opts ...Option) *Service {

	s := &Service{
		store:      store,
		logger:     logger,
		metrics:    newMetrics(registerer),
		newBackOff: defaultBackOff,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// Decrease dispatches to the decrease of the given strategy.
func (s *Service) Decrease(ctx context.Context, strategy Strategy, id int64, amount int64) (err error) {
	defer func(begin time.Time) {
		s.metrics.decreases.WithLabelValues(strategy.String(), ErrorKind(err)).Inc()
		s.metrics.decreaseDuration.WithLabelValues(strategy.String()).Observe(time.Since(begin).Seconds())
	}(time.Now())

	switch strategy {
	case Unsynchronized:
		return s.DecreaseUnsynchronized(ctx, id, amount)
	case Exclusive:
		return s.DecreaseExclusive(ctx, id, amount)
	case Shared:
		return s.DecreaseShared(ctx, id, amount)
	case Optimistic:
		return s.DecreaseOptimistic(ctx, id, amount)
	default:
		return pkgerrors.Errorf("invalid strategy %q", strategy)
	}
}

// DecreaseUnsynchronized reads and writes without any hold or revision check.
// Concurrent callers on the same id lose updates.
func (s *Service) DecreaseUnsynchronized(ctx context.Context, id int64, amount int64) error {
	return s.inTx(ctx, func(tx Tx) error {
		st, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}

		if err := st.Decrease(amount); err != nil {
			return err
		}

		return tx.Save(ctx, st)
	})
}

// DecreaseExclusive holds an exclusive lock on the record from read until commit.
func (s *Service) DecreaseExclusive(ctx context.Context, id int64, amount int64) error {
	return s.inTx(ctx, func(tx Tx) error {
		st, err := tx.GetExclusive(ctx, id)
		if err != nil {
			return err
		}

		if err := st.Decrease(amount); err != nil {
			return err
		}

		return tx.Save(ctx, st)
	})
}

// DecreaseShared holds a shared lock on the record from read until commit.
// Whether that serializes writers depends on the store escalating the hold.
func (s *Service) DecreaseShared(ctx context.Context, id int64, amount int64) error {
	return s.inTx(ctx, func(tx Tx) error {
		st, err := tx.GetShared(ctx, id)
		if err != nil {
			return err
		}

		if err := st.Decrease(amount); err != nil {
			return err
		}

		return tx.Save(ctx, st)
	})
}

// DecreaseOptimistic reads without locking and writes conditionally on the
// revision it read. Every conflict restarts the whole read-modify-write with a
// fresh read after a backoff.
func (s *Service) DecreaseOptimistic(ctx context.Context, id int64, amount int64) error {
	var b backoff.BackOff = s.newBackOff()
	if s.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, s.maxAttempts-1)
	}
	b = backoff.WithContext(b, ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := s.inTx(ctx, func(tx Tx) error {
			st, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}

			if err := st.Decrease(amount); err != nil {
				return err
			}

			return tx.SaveVersioned(ctx, st)
		})

		if err != nil && !errors.Is(err, ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		s.metrics.retries.Inc()
		s.logger.WithFields(logrus.Fields{
			"stock_id": id,
			"attempt":  attempts,
			"wait":     wait,
		}).Trace("optimistic decrease conflicted, retrying")
	}

	err := backoff.RetryNotify(operation, b, notify)
	if errors.Is(err, ErrConflict) {
		return pkgerrors.Wrapf(err, "giving up after %d attempts", attempts)
	}

	return err
}

// inTx runs fn in a unit of work, committing on success and rolling back when
// fn fails. A failed commit has already released its holds.
func (s *Service) inTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "could not begin unit of work")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}

	return tx.Commit(ctx)
}

// ErrorKind returns a short label for the error class of a failed decrease.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNegativeQuantity):
		return "negative_quantity"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrDeadlock):
		return "deadlock"
	case errors.Is(err, ErrLockModeUnsupported):
		return "lock_mode_unsupported"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
