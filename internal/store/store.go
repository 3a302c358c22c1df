package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dwellfi/provision-brain/internal/domain"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
)

const (
	// Terminal jobs stay readable for a week before Redis expires them.
	terminalJobTTL = 7 * 24 * time.Hour

	// UpdateJob retries this many times on WATCH conflicts before giving up.
	casRetries = 16
)

func jobKey(id string) string           { return "job:" + id }
func activityKey(id string) string      { return "activity:" + id }
func jobActivitiesKey(id string) string { return "activities:" + id }
func ownerKey(id string) string         { return "owner:" + id }

// EventsChannel names the pub/sub channel carrying a job's event stream.
func EventsChannel(jobID string) string { return "events:" + jobID }

// Store is the durable state layer: job records, activity refs and the
// per-job event channels, all in one Redis keyspace. Job writes are
// serialized per key with optimistic CAS so partial updates are never
// visible to other workers.
type Store struct {
	rdb *goredis.Client
	log *logger.Logger
}

func New(rdb *goredis.Client, log *logger.Logger) *Store {
	return &Store{rdb: rdb, log: log.With("component", "StateStore")}
}

// CreateJob persists a new job record. Fails with ErrJobExists when the id
// is already present.
func (s *Store) CreateJob(ctx context.Context, job *domain.JobV2) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID.String()), b, 0).Result()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !ok {
		return domain.ErrJobExists
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.JobV2, error) {
	raw, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job domain.JobV2
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// UpdateJob performs an atomic read-modify-write. The mutator receives a
// fresh snapshot; concurrent updates are serialized by WATCH and retried.
// When the mutated job is terminal the record picks up the retention TTL.
func (s *Store) UpdateJob(ctx context.Context, jobID string, mutate func(*domain.JobV2) error) (*domain.JobV2, error) {
	key := jobKey(jobID)
	var result *domain.JobV2

	txn := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		var job domain.JobV2
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}
		if err := mutate(&job); err != nil {
			return err
		}
		b, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if job.Status.Terminal() {
				pipe.Set(ctx, key, b, terminalJobTTL)
			} else {
				pipe.Set(ctx, key, b, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &job
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, domain.ErrConflict
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status       domain.JobStatus
	WorkflowName string
}

// ListJobs scans the job keyspace. Intended for the admin overview and the
// resume sweep, not hot paths.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.JobV2, error) {
	var jobs []*domain.JobV2
	iter := s.rdb.Scan(ctx, 0, jobKey("*"), 256).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var job domain.JobV2
		if err := json.Unmarshal(raw, &job); err != nil {
			s.log.Warn("Skipping undecodable job record", "key", iter.Val(), "error", err)
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.WorkflowName != "" && job.WorkflowName != filter.WorkflowName {
			continue
		}
		jobs = append(jobs, &job)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// PublishEvent broadcasts a raw payload on a channel. Fire-and-forget;
// subscribers need not exist.
func (s *Store) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Subscription wraps a pub/sub channel as a byte stream.
type Subscription struct {
	pubsub *goredis.PubSub
	ch     chan []byte
}

func (sub *Subscription) C() <-chan []byte { return sub.ch }
func (sub *Subscription) Close() error     { return sub.pubsub.Close() }

// Subscribe opens a stream of payloads published on the channel. The stream
// closes when ctx is done or Close is called.
func (s *Store) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &Subscription{pubsub: pubsub, ch: make(chan []byte, 32)}
	go func() {
		defer close(sub.ch)
		src := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case m, ok := <-src:
				if !ok || m == nil {
					return
				}
				select {
				case sub.ch <- []byte(m.Payload):
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}
