package events

import (
	"context"

	commonredis "plantops-data/common/redis"

	"github.com/go-redis/redis/v8"
)

// RedisStreamPublisher 发布到 Redis Stream，供报表 / 通知服务消费
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, ev CycleEvent) error {
	_, err := commonredis.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, ev.Type, ev)
	return err
}
