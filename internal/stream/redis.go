package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over Redis streams. The client is shared by
// every stream opened on it.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to url, e.g. redis://drasi-redis:6379.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing redis url %q", url)
	}
	return &RedisBroker{client: redis.NewClient(opts)}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (b *RedisBroker) ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error) {
	block := args.Block
	if args.ID != ">" || block <= 0 {
		block = -1
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, args.ID},
		Count:    args.Count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Entry{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

func (b *RedisBroker) DelConsumer(ctx context.Context, stream, group, consumer string) error {
	return b.client.XGroupDelConsumer(ctx, stream, group, consumer).Err()
}

func (b *RedisBroker) Add(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

// stringFields converts a redis field map. Deleted entries still pending in a
// group come back with no fields.
func stringFields(values map[string]interface{}) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		case []byte:
			out[k] = string(t)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
