package redisTransport

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/logger"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostOrigin   = "https://app.example.com"
	remoteOrigin = "https://signers.example.com"
)

// requireRedis skips unless REDIS_TEST_ADDRESS points at a server.
func requireRedis(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDRESS not set")
	}
	return addr
}

func frameMessage(t *testing.T, f Frame) *redis.Message {
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	return &redis.Message{Channel: DefaultChannelName, Payload: string(raw)}
}

func TestRedisEndpoint_ReceiveLoopFiltering(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	ep, err := NewRedisEndpointFromClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), &RedisConfig{
		SelfOrigin:   hostOrigin,
		TargetOrigin: remoteOrigin,
	}, l)
	require.NoError(t, err)

	msgs := make(chan *redis.Message, 8)
	delivered := make(chan types.Message, 8)
	go ep.receiveLoop(msgs, func(m types.Message) { delivered <- m })

	msgs <- &redis.Message{Payload: "garbage"}
	msgs <- frameMessage(t, Frame{Origin: hostOrigin, Target: remoteOrigin, Data: json.RawMessage(`{"type":"own"}`)})
	msgs <- frameMessage(t, Frame{Origin: remoteOrigin, Target: "https://other.example.com", Data: json.RawMessage(`{"type":"misaddressed"}`)})
	msgs <- frameMessage(t, Frame{Origin: remoteOrigin, Target: "*", Data: json.RawMessage(`{"type":"broadcast"}`)})
	msgs <- frameMessage(t, Frame{Origin: remoteOrigin, Target: hostOrigin, Data: json.RawMessage(`{"type":"direct"}`)})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case m := <-delivered:
			assert.Equal(t, remoteOrigin, m.Origin)
			env, err := types.DecodeEnvelope(m.Data)
			require.NoError(t, err)
			got = append(got, env.Type)
		case <-time.After(time.Second):
			t.Fatal("expected frame not delivered")
		}
	}
	assert.Equal(t, []string{"broadcast", "direct"}, got)

	close(msgs)
	select {
	case <-ep.Done():
	case <-time.After(time.Second):
		t.Fatal("endpoint did not close when subscription ended")
	}
	require.ErrorIs(t, ep.Post(context.Background(), []byte(`{}`)), transport.ErrEndpointClosed)
}

func TestNewRedisEndpointFromClient_Validation(t *testing.T) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err = NewRedisEndpointFromClient(client, &RedisConfig{SelfOrigin: "not a url", TargetOrigin: remoteOrigin}, l)
	require.Error(t, err)

	_, err = NewRedisEndpointFromClient(client, &RedisConfig{SelfOrigin: hostOrigin, TargetOrigin: ""}, l)
	require.Error(t, err)

	ep, err := NewRedisEndpointFromClient(client, &RedisConfig{SelfOrigin: hostOrigin, TargetOrigin: "*"}, l)
	require.NoError(t, err)
	assert.Equal(t, "*", ep.TargetOrigin())
	assert.Equal(t, DefaultChannelName, ep.channelName)

	_, err = NewRedisEndpoint(nil, l)
	require.Error(t, err)
	_, err = NewRedisEndpoint(&RedisConfig{}, l)
	require.Error(t, err)
}

func TestRedisEndpoint_SharedBus(t *testing.T) {
	addr := requireRedis(t)
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	channelName := "signer-bridge:test:" + uuid.New().String()
	newChannel := func(self, target string) *transport.Channel {
		ep, err := NewRedisEndpoint(&RedisConfig{Address: addr, DB: 15, ChannelName: channelName, SelfOrigin: self, TargetOrigin: target}, l)
		require.NoError(t, err)
		ch, err := transport.NewChannel(ep, nil, l)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ch.Close() })
		return ch
	}

	host := newChannel(hostOrigin, remoteOrigin)
	remote := newChannel(remoteOrigin, hostOrigin)
	intruder := newChannel("https://evil.com", hostOrigin)

	received := make(chan transport.Inbound, 4)
	host.Subscribe(nil, func(in transport.Inbound) { received <- in })

	ctx := context.Background()
	require.NoError(t, intruder.Send(ctx, types.Envelope{Type: "response:sign-message", Payload: types.Payload{"signature": "forged"}}))
	require.NoError(t, remote.Send(ctx, types.Envelope{Type: "response:sign-message", Payload: types.Payload{"signature": "real"}}))

	select {
	case in := <-received:
		assert.Equal(t, remoteOrigin, in.Origin)
		assert.Equal(t, "real", in.Envelope.Payload["signature"])
	case <-time.After(5 * time.Second):
		t.Fatal("message from remote not delivered")
	}

	select {
	case in := <-received:
		t.Fatalf("unexpected delivery from %s", in.Origin)
	case <-time.After(200 * time.Millisecond):
	}
}
