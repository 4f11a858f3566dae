package cassandra

import (
	"context"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/stocklock/pkg/stock"
)

// Storage keeps stock records in a cassandra table:
//
//	CREATE TABLE stocks (id bigint PRIMARY KEY, quantity bigint, revision bigint)
//
// Writes are lightweight transactions, so revision checked writes are
// linearizable. Cassandra has no row locks and locked reads are refused with
// stock.ErrLockModeUnsupported.
type Storage struct {
	session *gocql.Session
	logger  *logrus.Logger
}

func NewStorage(logger *logrus.Logger, session *gocql.Session) *Storage {
	return &Storage{
		session: session,
		logger:  logger,
	}
}

func (s *Storage) Create(ctx context.Context, st stock.Stock) error {
	if err := st.Validate(); err != nil {
		return err
	}

	err := s.session.
		Query(`INSERT INTO stocks (id, quantity, revision) VALUES (?, ?, 0)`, st.ID, st.Quantity).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Exec()

	if err != nil {
		return errors.Wrap(err, "cassandra storage create failure")
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, id int64) (stock.Stock, error) {
	st := stock.Stock{ID: id}

	err := s.session.
		Query(`SELECT quantity, revision FROM stocks WHERE id = ? LIMIT 1`, id).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Scan(&st.Quantity, &st.Revision)

	if err == gocql.ErrNotFound {
		return stock.Stock{}, errors.Wrapf(stock.ErrNotFound, "stock %d", id)
	}
	if err != nil {
		return stock.Stock{}, errors.Wrap(err, "cassandra storage get failure")
	}

	return st, nil
}

func (s *Storage) Delete(ctx context.Context, id int64) error {
	err := s.session.
		Query(`DELETE FROM stocks WHERE id = ?`, id).
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		Exec()

	if err != nil {
		return errors.Wrap(err, "cassandra storage delete failure")
	}

	return nil
}

func (s *Storage) Begin(ctx context.Context) (stock.Tx, error) {
	return &tx{storage: s, writes: make(map[int64]pendingWrite)}, nil
}

// write applies one record with a conditional update. Versioned writes
// require the stored revision to still be the one that was read.
func (s *Storage) write(ctx context.Context, w pendingWrite) error {
	var (
		q    *gocql.Query
		next = w.stock.Revision + 1
	)

	if w.versioned {
		q = s.session.Query(`UPDATE stocks SET quantity = ?, revision = ? WHERE id = ? IF revision = ?`,
			w.stock.Quantity, next, w.stock.ID, w.stock.Revision)
	} else {
		q = s.session.Query(`UPDATE stocks SET quantity = ?, revision = ? WHERE id = ? IF EXISTS`,
			w.stock.Quantity, next, w.stock.ID)
	}

	previous := make(map[string]interface{})
	applied, err := q.
		WithContext(ctx).
		Consistency(gocql.LocalQuorum).
		SerialConsistency(gocql.LocalSerial).
		MapScanCAS(previous)

	if err != nil {
		return errors.Wrap(err, "cassandra storage write failure")
	}

	err = casResult(w, applied, previous)
	if err != nil && !stock.IsRetryable(err) && !errors.Is(err, stock.ErrNotFound) {
		s.logger.WithError(err).WithField("stock_id", w.stock.ID).Warn("stock write was not applied")
	}

	return err
}

// casResult maps the outcome of a conditional update. A rejected update
// returns the current values of the condition columns, without a revision
// when the record does not exist.
func casResult(w pendingWrite, applied bool, previous map[string]interface{}) error {
	if applied {
		return nil
	}

	revision, ok := previous["revision"]
	if !ok || revision == nil {
		return errors.Wrapf(stock.ErrNotFound, "stock %d", w.stock.ID)
	}

	if w.versioned {
		return errors.Wrapf(stock.ErrConflict, "stock %d read at revision %d, now %v", w.stock.ID, w.stock.Revision, revision)
	}

	return errors.Errorf("stock %d write was not applied", w.stock.ID)
}

type pendingWrite struct {
	stock     stock.Stock
	versioned bool
}

type tx struct {
	storage *Storage
	writes  map[int64]pendingWrite
	order   []int64
	done    bool
}

func (t *tx) Get(ctx context.Context, id int64) (stock.Stock, error) {
	if t.done {
		return stock.Stock{}, stock.ErrTxDone
	}

	return t.storage.Get(ctx, id)
}

func (t *tx) GetExclusive(ctx context.Context, id int64) (stock.Stock, error) {
	if t.done {
		return stock.Stock{}, stock.ErrTxDone
	}

	return stock.Stock{}, errors.Wrap(stock.ErrLockModeUnsupported, "cassandra has no exclusive row locks")
}

func (t *tx) GetShared(ctx context.Context, id int64) (stock.Stock, error) {
	if t.done {
		return stock.Stock{}, stock.ErrTxDone
	}

	return stock.Stock{}, errors.Wrap(stock.ErrLockModeUnsupported, "cassandra has no shared row locks")
}

func (t *tx) Save(ctx context.Context, st stock.Stock) error {
	return t.buffer(st, false)
}

// SaveVersioned defers the revision check to the conditional update at commit.
func (t *tx) SaveVersioned(ctx context.Context, st stock.Stock) error {
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

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return stock.ErrTxDone
	}
	defer t.finish()

	for _, id := range t.order {
		if err := t.storage.write(ctx, t.writes[id]); err != nil {
			return err
		}
	}

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
	t.writes = nil
}
