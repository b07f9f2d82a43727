package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/techops-services/keeperhub-sub010/engine/trigger"
	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

// bodyField is the single stream-entry field carrying the JSON envelope.
const bodyField = "body"

// Delivery pairs a parsed trigger message with its acknowledgment handle
// (the stream entry id). An unacked delivery redelivers once its idle time
// exceeds the visibility timeout.
type Delivery struct {
	ID      string
	Message *trigger.Message
}

// Client is the Redis Streams consumer-group client for the trigger queue.
// Multiple worker processes share the group as competing consumers; each
// message is served to one consumer until acked or reclaimed.
type Client struct {
	rdb      redis.UniversalClient
	cfg      *config.QueueConfig
	consumer string

	closeOnce sync.Once

	mu          sync.Mutex
	reclaimed   []Delivery
	lastReclaim time.Time
}

// NewClient wraps an established Redis connection. The consumer name is
// unique per process so pending-entry ownership survives worker restarts
// under a fresh identity.
func NewClient(rdb redis.UniversalClient, cfg *config.QueueConfig) *Client {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return &Client{
		rdb:      rdb,
		cfg:      cfg,
		consumer: fmt.Sprintf("%s-%s", hostname, uuid.NewString()),
	}
}

// Consumer returns this client's consumer-group identity.
func (c *Client) Consumer() string { return c.consumer }

// Setup creates the stream and consumer group. An already existing group is
// fine; the stream is created empty with MKSTREAM so the group binds before
// the first producer shows up.
func (c *Client) Setup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Enqueue XADDs a trigger message. The platform's scheduler tick is the real
// producer; this side is used by tests and manual-run tooling.
func (c *Client) Enqueue(ctx context.Context, msg *trigger.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling trigger message: %w", err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: map[string]any{bodyField: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueueing trigger message: %w", err)
	}
	return id, nil
}

// Poll returns up to max deliveries. It serves reclaimed messages first,
// then long-polls the stream with a bounded block; a timeout yields an empty
// slice, not an error. Malformed bodies are acked and logged inside, never
// surfaced, never redelivered.
func (c *Client) Poll(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = c.cfg.BatchSize
	}
	if err := c.maybeReclaim(ctx); err != nil {
		return nil, err
	}
	out := c.drainReclaimed(max)
	if len(out) >= max {
		return out, nil
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(max - len(out)),
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if len(out) > 0 {
			// Reclaimed work is already ours; hand it over and let the
			// next poll surface the transport error.
			return out, nil
		}
		return nil, fmt.Errorf("reading trigger stream: %w", err)
	}
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			if d, ok := c.parseEntry(ctx, entry); ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// Ack removes the delivery from the pending entries list. Skipping the ack
// is the failure path: the visibility timeout redelivers the message to
// another consumer.
func (c *Client) Ack(ctx context.Context, d Delivery) error {
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("acking %s: %w", d.ID, err)
	}
	return nil
}

// Reclaim adopts pending entries from other consumers whose idle time
// exceeds the visibility timeout. Adopted deliveries are buffered and served
// by the next Poll. The worker runs this on a ticker; Poll also triggers it
// lazily once per reclaim interval.
func (c *Client) Reclaim(ctx context.Context) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("listing pending entries: %w", err)
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Consumer == c.consumer {
			continue
		}
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.consumer,
		MinIdle:  c.cfg.VisibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("claiming pending entries: %w", err)
	}
	adopted := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range claimed {
		if d, ok := c.parseEntry(ctx, entry); ok {
			c.reclaimed = append(c.reclaimed, d)
			adopted++
		}
	}
	if adopted > 0 {
		logger.FromContext(ctx).Info(
			"Adopted pending trigger deliveries",
			"count", adopted,
			"consumer", c.consumer,
		)
	}
	return nil
}

// Close shuts down the underlying Redis connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rdb.Close()
	})
	return err
}

func (c *Client) maybeReclaim(ctx context.Context) error {
	c.mu.Lock()
	due := time.Since(c.lastReclaim) >= c.cfg.ReclaimInterval
	if due {
		c.lastReclaim = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return nil
	}
	return c.Reclaim(ctx)
}

func (c *Client) drainReclaimed(max int) []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reclaimed) == 0 {
		return nil
	}
	n := min(max, len(c.reclaimed))
	out := make([]Delivery, n)
	copy(out, c.reclaimed[:n])
	c.reclaimed = c.reclaimed[n:]
	return out
}

// parseEntry decodes one stream entry. Unparseable bodies are poison: acked
// immediately and logged at error so they never loop through the group.
func (c *Client) parseEntry(ctx context.Context, entry redis.XMessage) (Delivery, bool) {
	log := logger.FromContext(ctx)
	body, ok := entry.Values[bodyField].(string)
	if !ok {
		log.Error("Dropping trigger entry without body", "entry_id", entry.ID)
		c.ackPoison(ctx, entry.ID)
		return Delivery{}, false
	}
	msg, err := trigger.Parse([]byte(body))
	if err != nil {
		log.Error("Dropping malformed trigger message", "entry_id", entry.ID, "error", err)
		c.ackPoison(ctx, entry.ID)
		return Delivery{}, false
	}
	return Delivery{ID: entry.ID, Message: msg}, true
}

func (c *Client) ackPoison(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		logger.FromContext(ctx).Warn("Failed to ack poison message", "entry_id", id, "error", err)
	}
}
