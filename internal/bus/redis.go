package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/homecast/relay/internal/protocol"
)

const (
	// ackDeadline is how long a delivered-but-unacked message may sit
	// pending before XAUTOCLAIM redelivers it to another consumer in the
	// group (spec.md §4.2: "subscription ack deadline is 30s").
	ackDeadline = 30 * time.Second
	// retentionWindow bounds how long an entry survives in the stream via
	// approximate MAXLEN trimming on publish (spec.md §4.2: "retained
	// message window is 600s"). Streams don't trim by age directly, so this
	// is approximated by keeping a generous MAXLEN and relying on XAUTOCLAIM
	// plus consumer-group ack to bound actual backlog growth.
	retentionWindow = 600 * time.Second
	streamMaxLen    = 10000

	dataField = "data"
)

// Redis is the Bus implementation backing horizontally-scaled deployments,
// grounded on the subscribe/dispatch loop shape of
// other_examples/eeb570cf_uncord-chat-uncord-server__internal-gateway-hub.go.go,
// generalized from bare pub/sub to Redis Streams consumer groups so the bus
// gives genuine at-least-once delivery with an explicit ack (spec.md §4.2) —
// a bare PUBLISH/SUBSCRIBE channel is fire-and-forget and cannot redeliver a
// message no consumer acked.
type Redis struct {
	client       *redis.Client
	consumerName string
	logger       *zap.Logger
}

// NewRedis constructs a Redis-backed Bus. consumerName should be unique per
// process (the instance id) so XAUTOCLAIM can distinguish live consumers
// from ones that vanished mid-delivery.
func NewRedis(client *redis.Client, consumerName string, logger *zap.Logger) *Redis {
	return &Redis{client: client, consumerName: consumerName, logger: logger}
}

func (r *Redis) group(topic string) string {
	return "relay-" + topic
}

// EnsureTopic idempotently creates the stream and its consumer group.
// BUSYGROUP ("already exists") is treated as success (spec.md §4.2).
func (r *Redis) EnsureTopic(ctx context.Context, topic string) error {
	err := r.client.XGroupCreateMkStream(ctx, topic, r.group(topic), "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Publish appends frame to topic's stream, trimmed to an approximate
// maximum length so the backlog stays bounded (spec.md §4.2's retention
// window, approximated since Streams trim by length rather than age).
func (r *Redis) Publish(ctx context.Context, topic string, frame protocol.BusFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{dataField: payload},
	}).Err()
}

// Subscribe reads topic's stream as a member of the relay consumer group,
// dispatching each entry to handler and XACKing only on success. It also
// periodically claims entries abandoned by dead consumers past ackDeadline
// (spec.md §4.2). Decode failures are acked immediately — a stream entry
// cannot be selectively redelivered without acking it, so a poison message
// is logged and dropped rather than retried forever.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if err := r.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	group := r.group(topic)

	claimTicker := time.NewTicker(ackDeadline)
	defer claimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claimTicker.C:
			r.reclaimAbandoned(ctx, topic, group, handler)
		default:
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: r.consumerName,
			Streams:  []string{topic, ">"},
			Count:    32,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("bus: xreadgroup failed", zap.String("topic", topic), zap.Error(err))
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				r.dispatch(ctx, topic, group, msg, handler)
			}
		}
	}
}

func (r *Redis) dispatch(ctx context.Context, topic, group string, msg redis.XMessage, handler Handler) {
	raw, ok := msg.Values[dataField].(string)
	if !ok {
		r.logger.Warn("bus: message missing data field", zap.String("topic", topic), zap.String("id", msg.ID))
		r.ack(ctx, topic, group, msg.ID)
		return
	}

	var frame protocol.BusFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		r.logger.Warn("bus: decode failure, dropping message", zap.String("topic", topic), zap.String("id", msg.ID), zap.Error(err))
		r.ack(ctx, topic, group, msg.ID)
		return
	}

	if err := handler(ctx, frame); err != nil {
		r.logger.Warn("bus: handler error, leaving unacked for redelivery", zap.String("topic", topic), zap.String("id", msg.ID), zap.Error(err))
		return
	}

	r.ack(ctx, topic, group, msg.ID)
}

func (r *Redis) ack(ctx context.Context, topic, group, id string) {
	if err := r.client.XAck(ctx, topic, group, id).Err(); err != nil {
		r.logger.Warn("bus: ack failed", zap.String("topic", topic), zap.String("id", id), zap.Error(err))
	}
}

// reclaimAbandoned redelivers entries whose consumer has held them longer
// than ackDeadline without acking, to this process.
func (r *Redis) reclaimAbandoned(ctx context.Context, topic, group string, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: r.consumerName,
			MinIdle:  ackDeadline,
			Start:    start,
			Count:    32,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				r.logger.Warn("bus: xautoclaim failed", zap.String("topic", topic), zap.Error(err))
			}
			return
		}
		for _, msg := range msgs {
			r.dispatch(ctx, topic, group, msg, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}
