package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dwellfi/provision-brain/internal/domain"
)

// PutActivity records an outstanding activity ref and indexes it under its
// job for cleanup and recovery.
func (s *Store) PutActivity(ctx context.Context, ref *domain.ActivityRef) error {
	b, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, activityKey(ref.RequestID), b, 0)
	pipe.SAdd(ctx, jobActivitiesKey(ref.JobID), ref.RequestID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetActivity(ctx context.Context, requestID string) (*domain.ActivityRef, error) {
	raw, err := s.rdb.Get(ctx, activityKey(requestID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrActivityNotFound
	}
	if err != nil {
		return nil, err
	}
	var ref domain.ActivityRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("decode activity %s: %w", requestID, err)
	}
	return &ref, nil
}

func (s *Store) DeleteActivity(ctx context.Context, requestID string) error {
	ref, err := s.GetActivity(ctx, requestID)
	if errors.Is(err, domain.ErrActivityNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, activityKey(requestID))
	pipe.SRem(ctx, jobActivitiesKey(ref.JobID), requestID)
	_, err = pipe.Exec(ctx)
	return err
}

// ListActivities returns the outstanding refs indexed under a job.
func (s *Store) ListActivities(ctx context.Context, jobID string) ([]*domain.ActivityRef, error) {
	ids, err := s.rdb.SMembers(ctx, jobActivitiesKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	refs := make([]*domain.ActivityRef, 0, len(ids))
	for _, id := range ids {
		ref, err := s.GetActivity(ctx, id)
		if errors.Is(err, domain.ErrActivityNotFound) {
			// Index entry outlived the record; drop it.
			_ = s.rdb.SRem(ctx, jobActivitiesKey(jobID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ListAllActivities scans the whole activity keyspace. Used once at startup
// so the tracker can re-adopt refs that survived a crash.
func (s *Store) ListAllActivities(ctx context.Context) ([]*domain.ActivityRef, error) {
	var refs []*domain.ActivityRef
	iter := s.rdb.Scan(ctx, 0, activityKey("*"), 256).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var ref domain.ActivityRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			s.log.Warn("Skipping undecodable activity record", "key", iter.Val(), "error", err)
			continue
		}
		refs = append(refs, &ref)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// PurgeJobActivities removes every activity ref a job still holds. Called at
// job termination.
func (s *Store) PurgeJobActivities(ctx context.Context, jobID string) error {
	ids, err := s.rdb.SMembers(ctx, jobActivitiesKey(jobID)).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, activityKey(id))
	}
	pipe.Del(ctx, jobActivitiesKey(jobID))
	_, err = pipe.Exec(ctx)
	return err
}
