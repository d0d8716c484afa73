package feed

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/pkg/app/exchange"
)

// NewRedisSink publishes each update on "{channel}:{instrument}" and keeps
// the latest one under "{channel}:latest:{instrument}" for late joiners.
func NewRedisSink(addr, channel string, buffer int, log *zap.SugaredLogger) *Sink {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil && log != nil {
		log.Warnw("redis_unavailable", "addr", addr, "err", err)
	}
	return newRedisSink(client, channel, buffer, log)
}

func newRedisSink(client *redis.Client, channel string, buffer int, log *zap.SugaredLogger) *Sink {
	send := func(ctx context.Context, snap exchange.BookSnapshot, payload []byte) error {
		_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, LatestKey(channel, snap.Instrument), payload, 0)
			pipe.Publish(ctx, Channel(channel, snap.Instrument), payload)
			return nil
		})
		return err
	}
	return newSink("redis", buffer, send, client.Close, log)
}

func Channel(prefix, instrument string) string { return prefix + ":" + instrument }

func LatestKey(prefix, instrument string) string { return prefix + ":latest:" + instrument }
