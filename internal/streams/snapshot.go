package streams

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

const (
	snapshotKeyPrefix = "warden:stream:"
	snapshotTTL       = 24 * time.Hour
)

// RedisSnapshots stores per-stream state as JSON values with a TTL, so
// counters mutated since the last store flush survive a process restart.
// Every operation is best-effort: failures are logged, never surfaced.
type RedisSnapshots struct {
	client goredis.UniversalClient
	logger logging.Logger
}

func NewRedisSnapshots(client goredis.UniversalClient, logger logging.Logger) *RedisSnapshots {
	return &RedisSnapshots{client: client, logger: logger}
}

func (r *RedisSnapshots) Save(ctx context.Context, stream *models.Stream) {
	payload, err := json.Marshal(stream)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, snapshotKeyPrefix+stream.ID, payload, snapshotTTL).Err(); err != nil {
		r.logger.WithFields(logging.Fields{
			"stream_id": stream.ID,
			"error":     err.Error(),
		}).Debug("Stream snapshot save failed")
	}
}

func (r *RedisSnapshots) Load(ctx context.Context, id string) (*models.Stream, bool) {
	payload, err := r.client.Get(ctx, snapshotKeyPrefix+id).Bytes()
	if err != nil {
		return nil, false
	}
	var stream models.Stream
	if err := json.Unmarshal(payload, &stream); err != nil {
		return nil, false
	}
	return &stream, true
}

func (r *RedisSnapshots) Drop(ctx context.Context, id string) {
	if err := r.client.Del(ctx, snapshotKeyPrefix+id).Err(); err != nil {
		r.logger.WithFields(logging.Fields{
			"stream_id": id,
			"error":     err.Error(),
		}).Debug("Stream snapshot drop failed")
	}
}
