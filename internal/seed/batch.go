package seed

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const defaultBatchSize = 500

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func inBatches(ctx context.Context, db beginner, batchSize, count int, insert func(ctx context.Context, exec execer, i int) error) error {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		for i := offset; i < end; i++ {
			if err := insert(ctx, tx, i); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}
