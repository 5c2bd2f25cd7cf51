package redisTransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannelName = "signer-bridge:messages"

// Frame is what travels over the Redis channel. Every subscriber sees every
// frame, so Target and the receiver's origin policy provide isolation.
type Frame struct {
	Origin string          `json:"origin"`
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int

	// ChannelName is the shared pub/sub channel. Defaults to DefaultChannelName.
	ChannelName string

	// SelfOrigin is stamped on every published frame.
	SelfOrigin string

	// TargetOrigin addresses outbound frames. Use origin.Wildcard to broadcast.
	TargetOrigin string
}

// RedisEndpoint treats a Redis pub/sub channel like the browser's shared
// message bus: one channel, many windows.
type RedisEndpoint struct {
	client       *redis.Client
	ownsClient   bool
	channelName  string
	selfOrigin   string
	targetOrigin string
	logger       *zap.Logger

	mu        sync.Mutex
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Endpoint = (*RedisEndpoint)(nil)

// NewRedisEndpoint connects to Redis and verifies the connection.
func NewRedisEndpoint(cfg *RedisConfig, logger *zap.Logger) (*RedisEndpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	ep, err := NewRedisEndpointFromClient(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	ep.ownsClient = true
	return ep, nil
}

// NewRedisEndpointFromClient shares an existing client. The client is not
// closed with the endpoint.
func NewRedisEndpointFromClient(client *redis.Client, cfg *RedisConfig, logger *zap.Logger) (*RedisEndpoint, error) {
	self, err := origin.ComputeExpectedOrigin(cfg.SelfOrigin)
	if err != nil {
		return nil, fmt.Errorf("invalid self origin: %w", err)
	}
	target := cfg.TargetOrigin
	if target != origin.Wildcard {
		if target, err = origin.ComputeExpectedOrigin(cfg.TargetOrigin); err != nil {
			return nil, fmt.Errorf("invalid target origin: %w", err)
		}
	}
	name := cfg.ChannelName
	if name == "" {
		name = DefaultChannelName
	}

	return &RedisEndpoint{
		client:       client,
		channelName:  name,
		selfOrigin:   self,
		targetOrigin: target,
		logger:       logger,
		done:         make(chan struct{}),
	}, nil
}

func (e *RedisEndpoint) TargetOrigin() string { return e.targetOrigin }

func (e *RedisEndpoint) Post(ctx context.Context, data []byte) error {
	select {
	case <-e.done:
		return transport.ErrEndpointClosed
	default:
	}

	frame, err := json.Marshal(Frame{Origin: e.selfOrigin, Target: e.targetOrigin, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := e.client.Publish(ctx, e.channelName, frame).Err(); err != nil {
		if err == redis.ErrClosed {
			return transport.ErrEndpointClosed
		}
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// Start subscribes and waits for the subscription to be confirmed, so frames
// published after Start returns are never missed.
func (e *RedisEndpoint) Start(deliver func(types.Message)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pubsub != nil {
		return fmt.Errorf("endpoint already started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := e.client.Subscribe(ctx, e.channelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", e.channelName, err)
	}
	e.pubsub = pubsub

	go e.receiveLoop(pubsub.Channel(), deliver)
	e.logger.Sugar().Debugw("Subscribed to redis message channel", "channel", e.channelName, "self_origin", e.selfOrigin)
	return nil
}

func (e *RedisEndpoint) receiveLoop(msgs <-chan *redis.Message, deliver func(types.Message)) {
	defer e.Close()
	for {
		select {
		case <-e.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				e.logger.Sugar().Debugw("Ignoring malformed frame", "channel", e.channelName, "error", err)
				continue
			}
			if frame.Origin == e.selfOrigin {
				continue
			}
			// postMessage only delivers when the receiver matches targetOrigin
			if !origin.Matches(e.selfOrigin, frame.Target) {
				continue
			}
			deliver(types.Message{Origin: frame.Origin, Data: []byte(frame.Data)})
		}
	}
}

func (e *RedisEndpoint) LoadErrors() <-chan error { return nil }

func (e *RedisEndpoint) Done() <-chan struct{} { return e.done }

func (e *RedisEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		if e.pubsub != nil {
			err = e.pubsub.Close()
		}
		e.mu.Unlock()
		if e.ownsClient {
			if cerr := e.client.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
