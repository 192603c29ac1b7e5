package presence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/services"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "presence:user:"

const defaultTTL = 90 * time.Second

// Cmdable Tracker 用到的 redis 命令，*redis.Client 满足
type Cmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Tracker 以带 TTL 的 key 记录在线状态，多实例共享
type Tracker struct {
	client Cmdable
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

func NewTracker(client Cmdable, ttl time.Duration, logger *logrus.Logger) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{client: client, ttl: ttl, logger: logger, now: time.Now}
}

// Key presence:user:{id}
func Key(userID uint) string {
	return keyPrefix + strconv.FormatUint(uint64(userID), 10)
}

// MarkOnline 写入或续期
func (t *Tracker) MarkOnline(ctx context.Context, userID uint) error {
	return t.client.Set(ctx, Key(userID), t.now().Unix(), t.ttl).Err()
}

// MarkOffline 删除 key
func (t *Tracker) MarkOffline(ctx context.Context, userID uint) error {
	return t.client.Del(ctx, Key(userID)).Err()
}

// IsOnline 查询失败视为离线
func (t *Tracker) IsOnline(ctx context.Context, userID uint) bool {
	n, err := t.client.Exists(ctx, Key(userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.logger.Warnf("Presence lookup for user %d failed: %v", userID, err)
		}
		return false
	}
	return n > 0
}

// Any 任一来源在线即在线
type Any []services.PresenceChecker

func (a Any) IsOnline(ctx context.Context, userID uint) bool {
	for _, c := range a {
		if c != nil && c.IsOnline(ctx, userID) {
			return true
		}
	}
	return false
}

// NewClient 连接 redis，不可达时只告警
func NewClient(cfg config.RedisConfig, logger *logrus.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnf("Unable to reach redis at %s: %v", cfg.Addr(), err)
	} else {
		logger.Infof("Connected to redis at %s", cfg.Addr())
	}
	return client
}
