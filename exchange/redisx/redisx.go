// Package redisx provides a Redis-backed exchange. Each mailbox is a Redis
// list; registration state lives in status keys so that every process
// connected to the same Redis instance observes one consistent registry.
//
// Suitable for runtimes and callers spread across processes or machines.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	intobs "github.com/academy-dev/academy/internal/observability"

	"github.com/academy-dev/academy/exchange"
	"github.com/academy-dev/academy/identifier"
	"github.com/academy-dev/academy/message"
	"github.com/academy-dev/academy/pkg/observability"
)

const (
	statusActive = "active"
	statusClosed = "closed"

	// closeSentinel is pushed onto a mailbox list when it is terminated so
	// consumers blocked in BLPOP wake up and observe the closure.
	closeSentinel = "<mailbox-closed>"
)

// Registry mutations run as server-side scripts so the status check and the
// writes that depend on it form one atomic step. Concurrent Register calls
// for the same id cannot both claim it, and a Send racing an Unregister
// either lands before the close sentinel or fails with ErrMailboxClosed —
// an envelope never trails the sentinel.
var (
	// KEYS: status, behavior, queue. ARGV: active marker, behavior name.
	// Returns 1 when the id was claimed, 0 when it is already active.
	registerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("DEL", KEYS[3])
return 1`)

	// KEYS: status, queue. ARGV: closed marker, close sentinel.
	// No-op (returns 0) for missing or already-closed ids.
	unregisterScript = redis.NewScript(`
local status = redis.call("GET", KEYS[1])
if status == false or status == ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[2], ARGV[2])
return 1`)

	// KEYS: status, queue. ARGV: active marker, encoded envelope.
	// Returns the delivery outcome for error mapping and metrics.
	sendScript = redis.NewScript(`
local status = redis.call("GET", KEYS[1])
if status == false then
	return "unknown"
end
if status ~= ARGV[1] then
	return "closed"
end
redis.call("RPUSH", KEYS[2], ARGV[2])
return "delivered"`)
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all exchange keys (default "academy:").
	Prefix string
	// PoolSize is the connection pool size (default 10).
	PoolSize int
	// BlockInterval bounds each blocking pop so consumers can observe
	// context cancellation (default 1s).
	BlockInterval time.Duration
}

// Exchange routes messages through a shared Redis instance.
type Exchange struct {
	client *redis.Client
	prefix string
	block  time.Duration
	closed atomic.Bool
}

var _ exchange.Exchange = (*Exchange)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Exchange, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newExchange(client, cfg.Prefix, cfg.BlockInterval), nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of
// the client's lifecycle. Intended for tests and shared-pool setups.
func NewFromClient(client *redis.Client, prefix string) *Exchange {
	return newExchange(client, prefix, 0)
}

func newExchange(client *redis.Client, prefix string, block time.Duration) *Exchange {
	if prefix == "" {
		prefix = "academy:"
	}
	if block <= 0 {
		block = time.Second
	}
	return &Exchange{client: client, prefix: prefix, block: block}
}

func (x *Exchange) statusKey(id identifier.EntityID) string {
	return x.prefix + "status:" + id.String()
}

func (x *Exchange) queueKey(id identifier.EntityID) string {
	return x.prefix + "queue:" + id.String()
}

func (x *Exchange) behaviorKey(id identifier.EntityID) string {
	return x.prefix + "behavior:" + id.String()
}

// Ping verifies the backend connection. Exposed for health checks.
func (x *Exchange) Ping(ctx context.Context) error {
	return x.client.Ping(ctx).Err()
}

// Register claims the status key for id and resets its queue. An id whose
// status is already active fails with ErrDuplicateAgent; a closed id may be
// re-registered with a fresh empty queue.
func (x *Exchange) Register(ctx context.Context, id identifier.EntityID, behavior string) (exchange.Mailbox, error) {
	if x.closed.Load() {
		return nil, exchange.ErrExchangeClosed
	}

	claimed, err := registerScript.Run(ctx, x.client,
		[]string{x.statusKey(id), x.behaviorKey(id), x.queueKey(id)},
		statusActive, behavior).Int()
	if err != nil {
		return nil, fmt.Errorf("redis register %s: %w", id, err)
	}
	if claimed == 0 {
		return nil, exchange.ErrDuplicateAgent
	}
	return &Mailbox{ex: x, id: id}, nil
}

// Unregister marks the mailbox closed and wakes blocked consumers with a
// close sentinel. The status key is retained so later sends observe
// ErrMailboxClosed instead of ErrUnknownAgent.
func (x *Exchange) Unregister(ctx context.Context, id identifier.EntityID) error {
	if _, err := unregisterScript.Run(ctx, x.client,
		[]string{x.statusKey(id), x.queueKey(id)},
		statusClosed, closeSentinel).Int(); err != nil {
		return fmt.Errorf("redis unregister %s: %w", id, err)
	}
	return nil
}

// Send appends the encoded envelope to the destination's queue after
// checking its status, in one atomic step. RPUSH preserves FIFO order per
// mailbox.
func (x *Exchange) Send(ctx context.Context, msg *message.Message) error {
	if x.closed.Load() {
		return exchange.ErrExchangeClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	ctx, span := intobs.StartSpan(ctx, "exchange.send", trace.WithAttributes(
		attribute.String("message.kind", string(msg.Kind)),
		attribute.String("message.dest", msg.Dest.String()),
	))
	defer span.End()

	outcome, err := sendScript.Run(ctx, x.client,
		[]string{x.statusKey(msg.Dest), x.queueKey(msg.Dest)},
		statusActive, data).Text()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis send to %s: %w", msg.Dest, err)
	}
	observability.RecordMessage(string(msg.Kind), outcome)
	switch outcome {
	case "unknown":
		return exchange.ErrUnknownAgent
	case "closed":
		return exchange.ErrMailboxClosed
	}
	return nil
}

// Discover scans behavior keys and returns active agent ids whose behavior
// name matches. Snapshot semantics: concurrent registrations may or may
// not be observed.
func (x *Exchange) Discover(ctx context.Context, behavior string) ([]identifier.EntityID, error) {
	var found []identifier.EntityID
	iter := x.client.Scan(ctx, 0, x.prefix+"behavior:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw := strings.TrimPrefix(key, x.prefix+"behavior:")
		id, err := identifier.Parse(raw)
		if err != nil || !id.IsAgent() {
			continue
		}

		registered, err := x.client.Get(ctx, key).Result()
		if err != nil || (behavior != "" && registered != behavior) {
			continue
		}
		status, err := x.client.Get(ctx, x.statusKey(id)).Result()
		if err != nil || status != statusActive {
			continue
		}
		found = append(found, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis discover: %w", err)
	}
	return found, nil
}

// Status reports the registry's view of id.
func (x *Exchange) Status(ctx context.Context, id identifier.EntityID) (exchange.Status, error) {
	status, err := x.client.Get(ctx, x.statusKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return exchange.StatusMissing, nil
	}
	if err != nil {
		return exchange.StatusMissing, fmt.Errorf("redis get status: %w", err)
	}
	if status == statusClosed {
		return exchange.StatusClosed, nil
	}
	return exchange.StatusActive, nil
}

// Close releases the Redis client. Registered mailboxes are untouched;
// other clients of the same Redis instance can keep using them.
func (x *Exchange) Close() error {
	if x.closed.Swap(true) {
		return nil
	}
	return x.client.Close()
}

// Mailbox is the consumer-side view of a Redis-backed inbox.
type Mailbox struct {
	ex     *Exchange
	id     identifier.EntityID
	closed atomic.Bool
}

var _ exchange.Mailbox = (*Mailbox)(nil)

// ID returns the entity that owns this mailbox.
func (m *Mailbox) ID() identifier.EntityID { return m.id }

// Get blocks until the oldest undelivered message is available, the
// context is done, or the mailbox is terminated. Pops are bounded by the
// exchange's block interval so cancellation is observed promptly.
func (m *Mailbox) Get(ctx context.Context) (*message.Message, error) {
	for {
		if m.closed.Load() {
			return nil, exchange.ErrMailboxClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := m.ex.client.BLPop(ctx, m.ex.block, m.ex.queueKey(m.id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis receive for %s: %w", m.id, err)
		}

		payload := res[1]
		if payload == closeSentinel {
			m.closed.Store(true)
			return nil, exchange.ErrMailboxClosed
		}
		return message.Decode([]byte(payload))
	}
}

// Close marks the consumer-side view closed. It does not terminate the
// registration; use Exchange.Unregister for that.
func (m *Mailbox) Close() error {
	m.closed.Store(true)
	return nil
}
