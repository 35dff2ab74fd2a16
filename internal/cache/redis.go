package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

const (
	keyRoundSnapshot = "crash:round:current"
	keyCrashHistory  = "crash:history"

	snapshotTTL = 1 * time.Hour
)

// Service is the redis-backed display cache: the public round snapshot for
// reconnecting clients and the bounded crash-point history list.
type Service interface {
	GetClient() *redis.Client
	StoreRoundSnapshot(ctx context.Context, snapshot interface{}) error
	PushCrashHistory(ctx context.Context, entry interface{}, maxLen int64) error
	GetCrashHistory(ctx context.Context, limit int64) ([]string, error)
	Health() map[string]string
	Close() error
}

type service struct {
	client *redis.Client
}

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[CACHE] Redis connection failed: %v", err)
		log.Println("[CACHE] Running without Redis cache")
		return nil
	}

	log.Println("[CACHE] Redis connected successfully")

	cacheInstance = &service{
		client: client,
	}

	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// StoreRoundSnapshot overwrites the public state of the live round.
func (s *service) StoreRoundSnapshot(ctx context.Context, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal round snapshot: %w", err)
	}
	return s.client.Set(ctx, keyRoundSnapshot, data, snapshotTTL).Err()
}

// PushCrashHistory prepends a crash record and trims the list to maxLen.
func (s *service) PushCrashHistory(ctx context.Context, entry interface{}, maxLen int64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal crash record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, keyCrashHistory, data)
	pipe.LTrim(ctx, keyCrashHistory, 0, maxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *service) GetCrashHistory(ctx context.Context, limit int64) ([]string, error) {
	return s.client.LRange(ctx, keyCrashHistory, 0, limit-1).Result()
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[CACHE] Disconnecting from Redis")
	return s.client.Close()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
