package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/cache"
)

const TaskPurgeCaches = "cache:purge"

// QueueMaintenance is the asynq queue cache jobs run on
const QueueMaintenance = "maintenance"

type PurgeCachesPayload struct {
	Prefix string `json:"prefix"`
}

// Enqueuer is the part of *asynq.Client the edge server needs
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewPurgeCachesTask builds the task that deletes every bucket starting with
// prefix
func NewPurgeCachesTask(prefix string) (*asynq.Task, error) {
	if prefix == "" {
		return nil, errors.New("purge prefix is required")
	}
	payload, err := json.Marshal(PurgeCachesPayload{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPurgeCaches, payload,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	), nil
}

// HandlePurgeCaches returns the asynq handler for TaskPurgeCaches
func HandlePurgeCaches(storage cache.Storage, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p PurgeCachesPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			logger.Error().Err(err).Msg("bad purge payload")
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
		if p.Prefix == "" {
			return fmt.Errorf("empty prefix: %w", asynq.SkipRetry)
		}

		start := time.Now()
		deleted, err := cache.DeleteByPrefix(ctx, storage, p.Prefix)
		if err != nil {
			logger.Warn().Err(err).Str("prefix", p.Prefix).Strs("deleted", deleted).Msg("purge failed")
			return err
		}
		logger.Info().
			Str("prefix", p.Prefix).
			Strs("deleted", deleted).
			Dur("duration", time.Since(start)).
			Msg("caches purged")
		return nil
	}
}
