package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/fasthash/fnv1a"

	"github.com/samueltorres/stocklock/pkg/stock"
)

type lockMode int

const (
	shared lockMode = iota
	exclusive
)

func (m lockMode) String() string {
	if m == exclusive {
		return "exclusive"
	}
	return "shared"
}

// rowLock is the hold state of one record. released is closed and replaced
// every time a hold is dropped, waking every waiter to re-check its grant.
type rowLock struct {
	writer   uint64
	readers  map[uint64]struct{}
	upgrader uint64
	waiters  int
	released chan struct{}
}

func newRowLock() *rowLock {
	return &rowLock{
		readers:  make(map[uint64]struct{}),
		released: make(chan struct{}),
	}
}

func (l *rowLock) idle() bool {
	return l.writer == 0 && len(l.readers) == 0 && l.upgrader == 0 && l.waiters == 0
}

func (l *rowLock) grant(tx uint64, mode lockMode) bool {
	if l.writer == tx {
		return true
	}

	switch mode {
	case exclusive:
		if l.writer == 0 && len(l.readers) == 0 {
			l.writer = tx
			return true
		}
	case shared:
		if _, ok := l.readers[tx]; ok {
			return true
		}
		// a pending upgrade keeps new readers out so the upgrader is not starved
		if l.writer == 0 && l.upgrader == 0 {
			l.readers[tx] = struct{}{}
			return true
		}
	}

	return false
}

func (l *rowLock) wake() {
	close(l.released)
	l.released = make(chan struct{})
}

type lockShard struct {
	mux  sync.Mutex
	rows map[int64]*rowLock
}

// lockTable holds per-record shared/exclusive locks, sharded by record id.
type lockTable struct {
	shardCount uint64
	shards     []*lockShard
	timeout    time.Duration
	metrics    *storeMetrics
}

func newLockTable(timeout time.Duration, metrics *storeMetrics) *lockTable {
	var shards uint64 = 64

	lt := &lockTable{
		shardCount: shards,
		shards:     make([]*lockShard, shards),
		timeout:    timeout,
		metrics:    metrics,
	}

	for i := uint64(0); i < shards; i++ {
		lt.shards[i] = &lockShard{rows: make(map[int64]*rowLock)}
	}

	return lt
}

func (lt *lockTable) shard(id int64) *lockShard {
	return lt.shards[fnv1a.HashUint64(uint64(id))%lt.shardCount]
}

// acquire blocks until tx holds id in mode, the lock timeout elapses or ctx ends.
func (lt *lockTable) acquire(ctx context.Context, tx uint64, id int64, mode lockMode) error {
	defer func(begin time.Time) {
		lt.metrics.lockWait.WithLabelValues(mode.String()).Observe(time.Since(begin).Seconds())
	}(time.Now())

	sh := lt.shard(id)
	timeout := lt.timer()
	defer timeout.Stop()

	for {
		sh.mux.Lock()
		l, ok := sh.rows[id]
		if !ok {
			l = newRowLock()
			sh.rows[id] = l
		}

		if l.grant(tx, mode) {
			sh.mux.Unlock()
			return nil
		}

		released := l.released
		l.waiters++
		sh.mux.Unlock()

		err := lt.wait(ctx, released, timeout.C)

		sh.mux.Lock()
		l.waiters--
		if err != nil {
			if l.idle() {
				delete(sh.rows, id)
			}
			sh.mux.Unlock()
			return errors.Wrapf(err, "%s lock on stock %d", mode, id)
		}
		sh.mux.Unlock()
	}
}

// upgrade turns the shared hold of tx into an exclusive one once tx is the
// only holder. Only one upgrade may wait per record: a second requester is
// the deadlock victim and fails straight away.
func (lt *lockTable) upgrade(ctx context.Context, tx uint64, id int64) error {
	defer func(begin time.Time) {
		lt.metrics.lockWait.WithLabelValues("upgrade").Observe(time.Since(begin).Seconds())
	}(time.Now())

	sh := lt.shard(id)
	timeout := lt.timer()
	defer timeout.Stop()

	sh.mux.Lock()
	l, ok := sh.rows[id]
	if !ok {
		sh.mux.Unlock()
		return errors.Errorf("stock %d has no shared hold to upgrade", id)
	}

	if l.writer == tx {
		sh.mux.Unlock()
		return nil
	}

	if l.upgrader != 0 && l.upgrader != tx {
		sh.mux.Unlock()
		lt.metrics.deadlocks.Inc()
		return errors.Wrapf(stock.ErrDeadlock, "stock %d", id)
	}
	l.upgrader = tx

	for {
		if _, reading := l.readers[tx]; reading && len(l.readers) == 1 && l.writer == 0 {
			delete(l.readers, tx)
			l.writer = tx
			l.upgrader = 0
			sh.mux.Unlock()
			return nil
		}

		released := l.released
		l.waiters++
		sh.mux.Unlock()

		err := lt.wait(ctx, released, timeout.C)

		sh.mux.Lock()
		l.waiters--
		if err != nil {
			l.upgrader = 0
			l.wake()
			sh.mux.Unlock()
			return errors.Wrapf(err, "upgrading lock on stock %d", id)
		}
	}
}

// release drops every hold tx has on id.
func (lt *lockTable) release(tx uint64, id int64) {
	sh := lt.shard(id)
	sh.mux.Lock()
	defer sh.mux.Unlock()

	l, ok := sh.rows[id]
	if !ok {
		return
	}

	if l.writer == tx {
		l.writer = 0
	}
	delete(l.readers, tx)
	if l.upgrader == tx {
		l.upgrader = 0
	}

	l.wake()
	if l.idle() {
		delete(sh.rows, id)
	}
}

func (lt *lockTable) timer() *time.Timer {
	if lt.timeout <= 0 {
		// never fires; ctx bounds the wait
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTimer(lt.timeout)
}

func (lt *lockTable) wait(ctx context.Context, released <-chan struct{}, timeout <-chan time.Time) error {
	select {
	case <-released:
		return nil
	case <-timeout:
		return stock.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
