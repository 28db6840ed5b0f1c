package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "job:"

// SnapshotStore はジョブレコードを Redis にミラーリングします。
// 正本はあくまでメモリ上のレジストリであり、本ストアは再起動時の
// 復元用スナップショットとしてベストエフォートで書き込まれます。
type SnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotStore は SnapshotStore を作成します。
func NewSnapshotStore(rdb *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Save はジョブレコードをIDをキーに保存します。
func (s *SnapshotStore) Save(ctx context.Context, job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, snapshotKey(job.ID), payload, s.ttl).Err()
}

// Load は保存済みのジョブレコードを取得します。存在しない場合は (nil, nil) を返します。
func (s *SnapshotStore) Load(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, snapshotKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// LoadAll は保存されている全ジョブレコードを取得します。
func (s *SnapshotStore) LoadAll(ctx context.Context) ([]Job, error) {
	var (
		out    []Job
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, snapshotKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := s.rdb.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				// 壊れたスナップショットは読み飛ばす
				continue
			}
			out = append(out, job)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id
}
