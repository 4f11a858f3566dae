package stock

import "context"

// Store is durable storage for stock records. Reads on the Store itself run
// outside any unit of work; locked reads and writes go through a Tx.
type Store interface {
	// Create creates or replaces a stock record, resetting its revision to zero.
	Create(ctx context.Context, s Stock) error
	Get(ctx context.Context, id int64) (Stock, error)
	Delete(ctx context.Context, id int64) error
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work. Holds taken by GetExclusive and GetShared last until
// Commit or Rollback. Writes are buffered and applied atomically on Commit.
type Tx interface {
	Get(ctx context.Context, id int64) (Stock, error)
	// GetExclusive blocks every other exclusive or shared request on id until
	// the unit of work ends.
	GetExclusive(ctx context.Context, id int64) (Stock, error)
	// GetShared may be held by many units of work at once; writers wait for
	// all shared holders to release.
	GetShared(ctx context.Context, id int64) (Stock, error)

	// Save writes s unconditionally, last writer wins.
	Save(ctx context.Context, s Stock) error
	// SaveVersioned writes s only if the stored revision still equals
	// s.Revision, failing with ErrConflict otherwise.
	SaveVersioned(ctx context.Context, s Stock) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
