package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
)

const redisQueueSize = 256

var _ core.Publisher = (*RedisPublisher)(nil)

// RedisPublisher relays events onto Redis pub/sub channels named <prefix><topic>.
// Publishing is asynchronous; a single sender goroutine keeps per-process order.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *logger.Logger

	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewRedisPublisher(cfg config.RedisConfig, log *logger.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	p := &RedisPublisher{
		client:  client,
		prefix:  cfg.ChannelPrefix,
		timeout: timeout,
		logger:  log.WithComponent("redis-events"),
		queue:   make(chan Message, redisQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(topic string, payload interface{}) {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		p.logger.Warnw("Failed to encode event", "topic", topic, "error", err)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warnw("Event queue full, dropping event", "topic", topic)
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.client.Publish(ctx, p.Channel(msg.Topic), data).Err(); err != nil {
			p.logger.Warnw("Failed to publish event to Redis", "topic", msg.Topic, "error", err)
		}
		cancel()
	}
}

// Subscribe streams every lab event published under the configured prefix
// until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub := p.client.PSubscribe(ctx, p.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Message, defaultBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					p.logger.Debugw("Skipping malformed event", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close flushes queued events and closes the client.
func (p *RedisPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		err = p.client.Close()
	})
	return err
}
