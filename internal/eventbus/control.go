package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
)

// Control is a client instruction addressed to the scheduler running a version.
type Control struct {
	ID        string                 `json:"-"`
	Type      string                 `json:"event_type"`
	VersionID string                 `json:"-"`
	TaskID    string                 `json:"task_id,omitempty"`
	Values    map[string]interface{} `json:"values,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// Validate checks the shape of a control message before it is routed.
func (c Control) Validate() error {
	switch c.Type {
	case streams.ControlUserInput:
		if c.TaskID == "" {
			return fmt.Errorf("task_id is required for %s", c.Type)
		}
		if c.Values == nil {
			return fmt.Errorf("values is required for %s", c.Type)
		}
	case streams.ControlSOPAmend:
		if c.Text == "" {
			return fmt.Errorf("text is required for %s", c.Type)
		}
	case streams.ControlTerminate:
	default:
		return fmt.Errorf("unknown control type %q", c.Type)
	}
	if c.VersionID == "" {
		return fmt.Errorf("version id is required")
	}
	return nil
}

// ControlChannel routes client control messages to whichever scheduler owns the version.
type ControlChannel interface {
	Send(ctx context.Context, c Control) error
	// Listen delivers controls for versionID until ctx is cancelled, then closes the channel.
	Listen(ctx context.Context, versionID string) (<-chan Control, error)
}

// MemoryControl delivers controls in process.
type MemoryControl struct {
	mu      sync.Mutex
	backlog int
	queues  map[string]chan Control
}

// NewMemoryControl creates a channel whose per-version queue holds backlog pending controls.
func NewMemoryControl(backlog int) *MemoryControl {
	if backlog <= 0 {
		backlog = 16
	}
	return &MemoryControl{backlog: backlog, queues: make(map[string]chan Control)}
}

func (m *MemoryControl) queue(versionID string) chan Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[versionID]
	if !ok {
		q = make(chan Control, m.backlog)
		m.queues[versionID] = q
	}
	return q
}

func (m *MemoryControl) Send(ctx context.Context, c Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	select {
	case m.queue(c.VersionID) <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryControl) Listen(ctx context.Context, versionID string) (<-chan Control, error) {
	in := m.queue(versionID)
	out := make(chan Control)
	go func() {
		defer close(out)
		defer func() {
			m.mu.Lock()
			delete(m.queues, versionID)
			m.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-in:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisControl carries controls over a per-version Redis stream read by the "scheduler" group,
// so a client connected to any node reaches the node running the version.
type RedisControl struct {
	client    *redis.Client
	publisher *streams.Publisher
	consumer  *streams.Consumer
	prefix    string
	block     time.Duration
	logger    *log.Logger
}

// NewRedisControl wires publisher and consumer with the control schemas. consumerName should
// be unique per worker.
func NewRedisControl(client *redis.Client, prefix, consumerName string, ttl, block time.Duration, logger *log.Logger) (*RedisControl, error) {
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterControlSchemas(reg); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "linsight"
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[BUS] ", log.LstdFlags)
	}
	return &RedisControl{
		client:    client,
		publisher: streams.NewPublisher(client, reg, ttl),
		consumer:  streams.NewConsumer(client, reg, "scheduler", consumerName),
		prefix:    prefix,
		block:     block,
		logger:    logger,
	}, nil
}

func (r *RedisControl) stream(versionID string) string {
	return fmt.Sprintf("%s:{%s}:control", r.prefix, versionID)
}

func (r *RedisControl) Send(ctx context.Context, c Control) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := r.publisher.PublishRaw(ctx, r.stream(c.VersionID), c.VersionID, c.Type, c, streams.WithMaxLenApprox(1000))
	if err != nil {
		return fmt.Errorf("%w: send control: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (r *RedisControl) Listen(ctx context.Context, versionID string) (<-chan Control, error) {
	stream := r.stream(versionID)
	if err := streams.EnsureGroup(ctx, r.client, stream, "scheduler"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	out := make(chan Control)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			msgs, err := r.consumer.Read(ctx, stream, streams.WithBlock(r.block), streams.WithCount(16))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Printf("control read version=%s: %v", versionID, err)
				select {
				case <-time.After(r.block):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, msg := range msgs {
				var c Control
				if err := json.Unmarshal(msg.Envelope.Data, &c); err != nil {
					r.logger.Printf("control decode version=%s id=%s: %v", versionID, msg.ID, err)
					_ = r.consumer.Ack(ctx, stream, msg.ID)
					continue
				}
				c.ID = msg.Envelope.ControlID
				c.Type = msg.Envelope.Type
				c.VersionID = versionID
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
				if err := r.consumer.Ack(ctx, stream, msg.ID); err != nil {
					r.logger.Printf("control ack version=%s id=%s: %v", versionID, msg.ID, err)
				}
			}
		}
	}()
	return out, nil
}
