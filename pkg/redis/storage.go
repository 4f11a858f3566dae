package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/stocklock/pkg/stock"
)

const (
	modeShared    = "shared"
	modeExclusive = "exclusive"
	modeUpgrade   = "upgrade"
)

var errLockBusy = errors.New("stock lock busy")

// KEYS: writer, readers, upgrader. ARGV: token, ttl ms, mode.
// Returns 1 when granted, 0 when busy, -1 when another holder is already upgrading.
var acquireScript = redis.NewScript(`
local writer = redis.call('GET', KEYS[1])
if writer == ARGV[1] then return 1 end
if writer then return 0 end
if ARGV[3] == 'shared' then
  local upgrader = redis.call('GET', KEYS[3])
  if upgrader and upgrader ~= ARGV[1] then return 0 end
  redis.call('SADD', KEYS[2], ARGV[1])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
  return 1
end
if ARGV[3] == 'upgrade' then
  local upgrader = redis.call('GET', KEYS[3])
  if upgrader and upgrader ~= ARGV[1] then return -1 end
  redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[2])
  if redis.call('SCARD', KEYS[2]) > 1 then return 0 end
  redis.call('DEL', KEYS[3])
  redis.call('SREM', KEYS[2], ARGV[1])
elseif redis.call('SCARD', KEYS[2]) > 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS: writer, readers, upgrader. ARGV: token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then redis.call('DEL', KEYS[1]) end
redis.call('SREM', KEYS[2], ARGV[1])
if redis.call('GET', KEYS[3]) == ARGV[1] then redis.call('DEL', KEYS[3]) end
return 1
`)

// KEYS: record. ARGV: quantity, read revision, '1' to check the revision.
// Returns the new revision, -1 when missing, -2 on revision mismatch.
var writeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local rev = tonumber(redis.call('HGET', KEYS[1], 'revision'))
if ARGV[3] == '1' and rev ~= tonumber(ARGV[2]) then return -2 end
redis.call('HSET', KEYS[1], 'quantity', ARGV[1], 'revision', tostring(rev + 1))
return rev + 1
`)

type Option func(*Storage)

// WithLockTimeout bounds every lock wait. Zero waits until the context ends.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Storage) {
		s.lockTimeout = d
	}
}

// WithLockTTL sets the lease on lock keys so a crashed holder cannot block a
// record forever.
func WithLockTTL(d time.Duration) Option {
	return func(s *Storage) {
		s.lockTTL = d
	}
}

// WithPollInterval sets the first and the longest wait between retries of a
// blocked lock request. Waits grow exponentially with jitter in between.
func WithPollInterval(initial, max time.Duration) Option {
	return func(s *Storage) {
		s.pollInterval = initial
		s.maxPollInterval = max
	}
}

// Storage keeps stock records as redis hashes. Shared and exclusive holds are
// lock keys next to the record, owned by a per-unit-of-work token. Shared
// holds are escalated before writing; a second concurrent upgrader fails with
// stock.ErrDeadlock.
type Storage struct {
	client *redis.Client
	logger *logrus.Logger

	lockTimeout     time.Duration
	lockTTL         time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration
}

func NewStorage(client *redis.Client, logger *logrus.Logger, opts ...Option) *Storage {
	s := &Storage{
		client:       client,
		logger:       logger,
		lockTimeout:     5 * time.Second,
		lockTTL:         30 * time.Second,
		pollInterval:    2 * time.Millisecond,
		maxPollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func recordKey(id int64) string {
	return "stock:" + strconv.FormatInt(id, 10)
}

func lockKeys(id int64) []string {
	k := recordKey(id)
	return []string{k + ":writer", k + ":readers", k + ":upgrader"}
}

func (s *Storage) Create(ctx context.Context, st stock.Stock) error {
	if err := st.Validate(); err != nil {
		return err
	}

	pipe := s.client.WithContext(ctx).TxPipeline()
	pipe.Del(recordKey(st.ID))
	pipe.HSet(recordKey(st.ID), "quantity", st.Quantity, "revision", 0)

	_, err := pipe.Exec()
	if err != nil {
		return pkgerrors.Wrap(err, "redis storage create failure")
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, id int64) (stock.Stock, error) {
	fields, err := s.client.WithContext(ctx).HGetAll(recordKey(id)).Result()
	if err != nil {
		return stock.Stock{}, pkgerrors.Wrap(err, "redis storage get failure")
	}

	if len(fields) == 0 {
		return stock.Stock{}, pkgerrors.Wrapf(stock.ErrNotFound, "stock %d", id)
	}

	quantity, err := strconv.ParseInt(fields["quantity"], 10, 64)
	if err != nil {
		return stock.Stock{}, pkgerrors.Wrapf(err, "stock %d has invalid quantity", id)
	}

	revision, err := strconv.ParseInt(fields["revision"], 10, 64)
	if err != nil {
		return stock.Stock{}, pkgerrors.Wrapf(err, "stock %d has invalid revision", id)
	}

	return stock.Stock{ID: id, Quantity: quantity, Revision: revision}, nil
}

func (s *Storage) Delete(ctx context.Context, id int64) error {
	keys := append([]string{recordKey(id)}, lockKeys(id)...)

	err := s.client.WithContext(ctx).Del(keys...).Err()
	if err != nil {
		return pkgerrors.Wrap(err, "redis storage delete failure")
	}

	return nil
}

func (s *Storage) Begin(ctx context.Context) (stock.Tx, error) {
	return &tx{
		storage: s,
		token:   uuid.New().String(),
		held:    make(map[int64]string),
		writes:  make(map[int64]pendingWrite),
	}, nil
}

// acquire polls the lock script until granted. On failure every hold of token on
// id is dropped, since the script may have granted the lock before the reply was lost.
func (s *Storage) acquire(ctx context.Context, token string, id int64, mode string) error {
	lockCtx, cancel := s.lockContext(ctx)
	defer cancel()

	client := s.client.WithContext(lockCtx)
	b := backoff.WithContext(s.pollBackOff(), lockCtx)

	err := backoff.Retry(func() error {
		res, err := acquireScript.Run(client, lockKeys(id), token, s.lockTTL.Milliseconds(), mode).Int64()
		if err != nil {
			return backoff.Permanent(pkgerrors.Wrap(err, "redis lock script failure"))
		}

		switch res {
		case 1:
			return nil
		case -1:
			return backoff.Permanent(pkgerrors.Wrapf(stock.ErrDeadlock, "stock %d", id))
		default:
			return errLockBusy
		}
	}, b)

	if err == nil {
		return nil
	}

	s.release(token, id)

	if ctx.Err() == nil && errors.Is(lockCtx.Err(), context.DeadlineExceeded) {
		return pkgerrors.Wrapf(stock.ErrLockTimeout, "%s lock on stock %d", mode, id)
	}

	return err
}

func (s *Storage) pollBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.pollInterval
	b.MaxInterval = s.maxPollInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Storage) lockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.lockTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.lockTimeout)
}

// release drops every hold of token on id, upgrade intent included. It does
// not take the caller's context so a canceled unit of work still frees its holds.
func (s *Storage) release(token string, id int64) {
	err := releaseScript.Run(s.client, lockKeys(id), token).Err()
	if err != nil {
		s.logger.WithError(err).WithField("stock_id", id).Error("could not release stock lock")
	}
}

type pendingWrite struct {
	stock     stock.Stock
	versioned bool
}

type tx struct {
	storage *Storage
	token   string
	held    map[int64]string
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
	return t.getLocked(ctx, id, modeExclusive)
}

func (t *tx) GetShared(ctx context.Context, id int64) (stock.Stock, error) {
	return t.getLocked(ctx, id, modeShared)
}

func (t *tx) getLocked(ctx context.Context, id int64, mode string) (stock.Stock, error) {
	if t.done {
		return stock.Stock{}, stock.ErrTxDone
	}

	held, ok := t.held[id]
	switch {
	case !ok:
		if err := t.storage.acquire(ctx, t.token, id, mode); err != nil {
			return stock.Stock{}, err
		}
		t.held[id] = mode
	case held == modeShared && mode == modeExclusive:
		if err := t.storage.acquire(ctx, t.token, id, modeUpgrade); err != nil {
			delete(t.held, id)
			return stock.Stock{}, err
		}
		t.held[id] = modeExclusive
	}

	return t.storage.Get(ctx, id)
}

func (t *tx) Save(ctx context.Context, st stock.Stock) error {
	return t.buffer(st, false)
}

func (t *tx) SaveVersioned(ctx context.Context, st stock.Stock) error {
	if t.done {
		return stock.ErrTxDone
	}

	current, err := t.storage.Get(ctx, st.ID)
	if err != nil {
		return err
	}

	if current.Revision != st.Revision {
		return pkgerrors.Wrapf(stock.ErrConflict, "stock %d read at revision %d, now %d", st.ID, st.Revision, current.Revision)
	}

	return t.buffer(st, true)
}

func (t *tx) buffer(st stock.Stock, versioned bool) error {
	if t.done {
		return stock.ErrTxDone
	}

	if st.Quantity < 0 {
		return pkgerrors.Wrapf(stock.ErrInsufficientQuantity, "stock %d cannot be stored with quantity %d", st.ID, st.Quantity)
	}

	if _, ok := t.writes[st.ID]; !ok {
		t.order = append(t.order, st.ID)
	}
	t.writes[st.ID] = pendingWrite{stock: st, versioned: versioned}
	return nil
}

// Commit applies each buffered write under an exclusive hold and releases
// every hold afterwards. Writes to different records are not atomic together.
func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return stock.ErrTxDone
	}
	defer t.finish()

	for _, id := range t.order {
		if err := t.writeAccess(ctx, id); err != nil {
			return err
		}

		w := t.writes[id]
		versioned := "0"
		if w.versioned {
			versioned = "1"
		}

		res, err := writeScript.Run(t.storage.client.WithContext(ctx), []string{recordKey(id)}, w.stock.Quantity, w.stock.Revision, versioned).Int64()
		if err != nil {
			return pkgerrors.Wrap(err, "redis storage write failure")
		}

		switch res {
		case -1:
			return pkgerrors.Wrapf(stock.ErrNotFound, "stock %d", id)
		case -2:
			return pkgerrors.Wrapf(stock.ErrConflict, "stock %d read at revision %d", id, w.stock.Revision)
		}
	}

	return nil
}

func (t *tx) writeAccess(ctx context.Context, id int64) error {
	mode := modeExclusive
	switch held, ok := t.held[id]; {
	case ok && held == modeExclusive:
		return nil
	case ok && held == modeShared:
		mode = modeUpgrade
	}

	if err := t.storage.acquire(ctx, t.token, id, mode); err != nil {
		delete(t.held, id)
		return err
	}

	t.held[id] = modeExclusive
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
		t.storage.release(t.token, id)
	}
	t.held = nil
	t.writes = nil
}
