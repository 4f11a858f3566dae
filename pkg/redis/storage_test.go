package redis

import (
	"context"
	"errors"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samueltorres/stocklock/pkg/stock"
)

func TestStorage_CreateGetDelete(t *testing.T) {
	s, _, teardown := newTestStorage(t)
	defer teardown()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 100, Revision: 9}))

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, stock.Stock{ID: 1, Quantity: 100, Revision: 0}, got)

	require.NoError(t, s.Delete(ctx, 1))
	_, err = s.Get(ctx, 1)
	assert.True(t, errors.Is(err, stock.ErrNotFound))
}

func TestStorage_CreateRejectsNegativeQuantity(t *testing.T) {
	s, mr, teardown := newTestStorage(t)
	defer teardown()

	err := s.Create(context.Background(), stock.Stock{ID: 1, Quantity: -5})

	assert.True(t, errors.Is(err, stock.ErrNegativeQuantity), "got %v", err)
	assert.False(t, mr.Exists("stock:1"))
}

func TestStorage_CommitBumpsRevision(t *testing.T) {
	s, _, teardown := newTestStorage(t)
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 100}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	st, err := tx.GetExclusive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, st.Decrease(1))
	require.NoError(t, tx.Save(ctx, st))
	require.NoError(t, tx.Commit(ctx))

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Quantity)
	assert.Equal(t, int64(1), got.Revision)

	assert.True(t, errors.Is(tx.Commit(ctx), stock.ErrTxDone))
}

func TestStorage_ReleasesLocks(t *testing.T) {
	testCases := []struct {
		desc   string
		finish func(ctx context.Context, tx stock.Tx) error
	}{
		{
			desc:   "Commit",
			finish: func(ctx context.Context, tx stock.Tx) error { return tx.Commit(ctx) },
		},
		{
			desc:   "Rollback",
			finish: func(ctx context.Context, tx stock.Tx) error { return tx.Rollback(ctx) },
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			s, mr, teardown := newTestStorage(t)
			defer teardown()
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))

			tx, err := s.Begin(ctx)
			require.NoError(t, err)
			_, err = tx.GetExclusive(ctx, 1)
			require.NoError(t, err)
			assert.True(t, mr.Exists("stock:1:writer"))

			require.NoError(t, tC.finish(ctx, tx))

			assert.False(t, mr.Exists("stock:1:writer"))
			assert.False(t, mr.Exists("stock:1:readers"))
		})
	}
}

func TestStorage_VersionedConflict(t *testing.T) {
	s, _, teardown := newTestStorage(t)
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 100}))

	first, err := s.Begin(ctx)
	require.NoError(t, err)
	second, err := s.Begin(ctx)
	require.NoError(t, err)

	a, err := first.Get(ctx, 1)
	require.NoError(t, err)
	b, err := second.Get(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, a.Decrease(1))
	require.NoError(t, first.SaveVersioned(ctx, a))
	require.NoError(t, b.Decrease(1))
	require.NoError(t, second.SaveVersioned(ctx, b))

	require.NoError(t, first.Commit(ctx))
	err = second.Commit(ctx)
	assert.True(t, errors.Is(err, stock.ErrConflict), "got %v", err)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.Quantity)
}

func TestStorage_CommitAfterDelete(t *testing.T) {
	s, _, teardown := newTestStorage(t)
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	st, err := tx.Get(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Save(ctx, st))

	require.NoError(t, s.Delete(ctx, 1))

	err = tx.Commit(ctx)
	assert.True(t, errors.Is(err, stock.ErrNotFound), "got %v", err)
}

func TestStorage_LockTimeout(t *testing.T) {
	s, _, teardown := newTestStorage(t, WithLockTimeout(20*time.Millisecond))
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = holder.GetExclusive(ctx, 1)
	require.NoError(t, err)
	defer holder.Rollback(ctx)

	testCases := []struct {
		desc string
		get  func(ctx context.Context, tx stock.Tx) error
	}{
		{
			desc: "Exclusive waits for exclusive",
			get: func(ctx context.Context, tx stock.Tx) error {
				_, err := tx.GetExclusive(ctx, 1)
				return err
			},
		},
		{
			desc: "Shared waits for exclusive",
			get: func(ctx context.Context, tx stock.Tx) error {
				_, err := tx.GetShared(ctx, 1)
				return err
			},
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			tx, err := s.Begin(ctx)
			require.NoError(t, err)
			defer tx.Rollback(ctx)

			err = tC.get(ctx, tx)
			assert.True(t, errors.Is(err, stock.ErrLockTimeout), "got %v", err)
		})
	}
}

func TestStorage_FailedAcquireReleasesGrantedLock(t *testing.T) {
	testCases := []struct {
		desc string
		get  func(ctx context.Context, tx stock.Tx) error
	}{
		{
			desc: "Exclusive",
			get: func(ctx context.Context, tx stock.Tx) error {
				_, err := tx.GetExclusive(ctx, 1)
				return err
			},
		},
		{
			desc: "Shared",
			get: func(ctx context.Context, tx stock.Tx) error {
				_, err := tx.GetShared(ctx, 1)
				return err
			},
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			s, mr, teardown := newTestStorage(t, WithLockTimeout(50*time.Millisecond))
			defer teardown()
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))
			s.client.AddHook(&lostReplyHook{})

			tx, err := s.Begin(ctx)
			require.NoError(t, err)

			// act
			err = tC.get(ctx, tx)

			// assert
			require.Error(t, err)
			assert.False(t, mr.Exists("stock:1:writer"), "granted writer lock leaked")
			assert.False(t, mr.Exists("stock:1:readers"), "granted reader lock leaked")
			require.NoError(t, tx.Rollback(ctx))

			other, err := s.Begin(ctx)
			require.NoError(t, err)
			_, err = other.GetExclusive(ctx, 1)
			assert.NoError(t, err)
			require.NoError(t, other.Rollback(ctx))
		})
	}
}

func TestStorage_FailedUpgradeDropsSharedHold(t *testing.T) {
	s, mr, teardown := newTestStorage(t, WithLockTimeout(20*time.Millisecond))
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))

	first, _ := s.Begin(ctx)
	second, _ := s.Begin(ctx)
	_, err := first.GetShared(ctx, 1)
	require.NoError(t, err)
	_, err = second.GetShared(ctx, 1)
	require.NoError(t, err)

	_, err = first.GetExclusive(ctx, 1)
	assert.True(t, errors.Is(err, stock.ErrLockTimeout), "got %v", err)

	assert.False(t, mr.Exists("stock:1:upgrader"))
	members, err := mr.Members("stock:1:readers")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	require.NoError(t, first.Rollback(ctx))
	require.NoError(t, second.Rollback(ctx))
}

func TestStorage_PollBackOffGrowsWithJitter(t *testing.T) {
	s, _, teardown := newTestStorage(t, WithPollInterval(2*time.Millisecond, 40*time.Millisecond))
	defer teardown()

	b := s.pollBackOff()

	first := b.NextBackOff()
	assert.True(t, first >= time.Millisecond && first <= 3*time.Millisecond, "first wait %v", first)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 30; i++ {
		d := b.NextBackOff()
		assert.True(t, d > 0 && d <= 60*time.Millisecond, "wait %v", d)
		seen[d] = true
	}
	assert.True(t, len(seen) > 1, "waits are not jittered")
}

func TestStorage_SharedHoldsAreCompatible(t *testing.T) {
	s, mr, teardown := newTestStorage(t, WithLockTimeout(50*time.Millisecond))
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))

	first, _ := s.Begin(ctx)
	second, _ := s.Begin(ctx)

	_, err := first.GetShared(ctx, 1)
	require.NoError(t, err)
	_, err = second.GetShared(ctx, 1)
	require.NoError(t, err)

	members, err := mr.Members("stock:1:readers")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	require.NoError(t, first.Rollback(ctx))
	require.NoError(t, second.Rollback(ctx))
}

func TestStorage_SecondUpgraderIsDeadlockVictim(t *testing.T) {
	s, mr, teardown := newTestStorage(t)
	defer teardown()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 10}))

	first, _ := s.Begin(ctx)
	second, _ := s.Begin(ctx)

	a, err := first.GetShared(ctx, 1)
	require.NoError(t, err)
	b, err := second.GetShared(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, a.Decrease(1))
	require.NoError(t, first.Save(ctx, a))
	require.NoError(t, b.Decrease(1))
	require.NoError(t, second.Save(ctx, b))

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- first.Commit(ctx)
	}()

	waitForKey(t, mr, "stock:1:upgrader")

	err = second.Commit(ctx)
	assert.True(t, errors.Is(err, stock.ErrDeadlock), "got %v", err)

	require.NoError(t, <-firstDone)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Quantity)
}

func TestStorage_ConcurrentDecreasesAreExact(t *testing.T) {
	for _, strategy := range []stock.Strategy{stock.Exclusive, stock.Optimistic} {
		t.Run(strategy.String(), func(t *testing.T) {
			s, _, teardown := newTestStorage(t)
			defer teardown()
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, stock.Stock{ID: 1, Quantity: 40}))

			service := stock.NewService(s, newNullLogger(), prometheus.NewRegistry(),
				stock.WithBackOff(func() backoff.BackOff {
					b := backoff.NewExponentialBackOff()
					b.InitialInterval = 100 * time.Microsecond
					b.MaxInterval = 2 * time.Millisecond
					b.MaxElapsedTime = 0
					return b
				}))

			wg := &sync.WaitGroup{}
			errs := make(chan error, 40)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- service.Decrease(ctx, strategy, 1, 1)
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				assert.NoError(t, err)
			}

			got, err := s.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(0), got.Quantity)
			assert.Equal(t, int64(40), got.Revision)
		})
	}
}

func newTestStorage(t *testing.T, opts ...Option) (*Storage, *miniredis.Miniredis, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	teardown := func() {
		client.Close()
		mr.Close()
	}

	opts = append([]Option{WithPollInterval(time.Millisecond, 5*time.Millisecond)}, opts...)
	return NewStorage(client, newNullLogger(), opts...), mr, teardown
}

// lostReplyHook fails the first successful lock script reply, as if the
// connection dropped after redis granted the lock.
type lostReplyHook struct {
	fired bool
}

func (h *lostReplyHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *lostReplyHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	if h.fired || cmd.Err() != nil {
		return nil
	}
	if cmd.Name() != "eval" && cmd.Name() != "evalsha" {
		return nil
	}

	args := cmd.Args()
	switch args[len(args)-1] {
	case modeShared, modeExclusive:
		h.fired = true
		return errors.New("i/o timeout")
	}
	return nil
}

func (h *lostReplyHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	return ctx, nil
}

func (h *lostReplyHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	return nil
}

func waitForKey(t *testing.T, mr *miniredis.Miniredis, key string) {
	deadline := time.Now().Add(time.Second)
	for !mr.Exists(key) {
		if time.Now().After(deadline) {
			t.Fatalf("key %s never appeared", key)
		}
		time.Sleep(time.Millisecond)
	}
}

func newNullLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	return logger
}
