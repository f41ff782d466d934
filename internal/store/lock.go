package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// LockKey derives the 64-bit advisory lock key for a (repository, branch)
// pair: the first 8 bytes of sha256("{repositoryId}:{branch}") as a signed
// big-endian integer.
func LockKey(repositoryID, branch string) int64 {
	sum := sha256.Sum256([]byte(repositoryID + ":" + branch))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// WithIndexLock runs fn while holding the session-scoped advisory lock for
// (repositoryID, branch). The lock is acquired and released on the same
// dedicated connection; a row lock held across a whole indexing decision
// would pin the row for far too long.
func (s *Store) WithIndexLock(ctx context.Context, repositoryID, branch string, fn func(ctx context.Context) error) error {
	key := LockKey(repositoryID, branch)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire lock connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("store: advisory lock %d: %w", key, err)
	}
	defer func() {
		// Release on a background context so an aborted fn still unlocks.
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("Failed to release advisory lock")
		}
	}()

	return fn(ctx)
}
