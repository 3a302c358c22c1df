package store

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Owner leasing: every live job has at most one worker advancing it. The
// lease is a plain key with a TTL; a worker that stops renewing loses the
// job to the next resume sweep.

// AcquireOwner claims the lease for a job. Re-acquiring one's own lease
// refreshes the TTL. Returns false when another worker holds it.
func (s *Store) AcquireOwner(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, ownerKey(jobID), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	cur, err := s.rdb.Get(ctx, ownerKey(jobID)).Result()
	if errors.Is(err, goredis.Nil) {
		// Lease expired between SETNX and GET; try once more.
		return s.rdb.SetNX(ctx, ownerKey(jobID), owner, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	if cur != owner {
		return false, nil
	}
	return true, s.rdb.Expire(ctx, ownerKey(jobID), ttl).Err()
}

// RenewOwner extends the lease if and only if we still hold it.
func (s *Store) RenewOwner(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	key := ownerKey(jobID)
	renewed := false
	txn := func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) || (err == nil && cur != owner) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		if err == nil {
			renewed = true
		}
		return err
	}
	if err := s.rdb.Watch(ctx, txn, key); err != nil && !errors.Is(err, goredis.TxFailedErr) {
		return false, err
	}
	return renewed, nil
}

// ReleaseOwner drops the lease if we hold it.
func (s *Store) ReleaseOwner(ctx context.Context, jobID, owner string) error {
	key := ownerKey(jobID)
	txn := func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}
	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return nil
	}
	return err
}
