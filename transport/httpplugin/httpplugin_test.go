package httpplugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigRequiresEndpointOrAddr(t *testing.T) {
	p := New()
	assert.Error(t, p.ValidateConfig(map[string]any{}))
	assert.NoError(t, p.ValidateConfig(map[string]any{"endpoint": "http://x"}))
	assert.NoError(t, p.ValidateConfig(map[string]any{"addr": ":0"}))
}

type echoBridge struct {
	out chan []byte
}

func (b *echoBridge) SendInput(ctx context.Context, frame []byte) error {
	b.out <- append([]byte("echo:"), frame...)
	return nil
}

func (b *echoBridge) RecvOutput(ctx context.Context) ([]byte, bool, error) {
	select {
	case f := <-b.out:
		return f, true, nil
	case <-ctx.Done():
		return nil, false, nil
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:18714"
	bridge := &echoBridge{out: make(chan []byte, 4)}

	server := New()
	ctx := context.Background()
	require.NoError(t, server.CreateServer(ctx, map[string]any{"addr": addr, "path": "/frame"}, bridge))
	defer server.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	client := New()
	c, err := client.CreateClient(context.Background(), map[string]any{"endpoint": "http://" + addr + "/frame"})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Send(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
}

func TestClientServerRoundTripWithBrotli(t *testing.T) {
	const addr = "127.0.0.1:18715"
	bridge := &echoBridge{out: make(chan []byte, 4)}

	server := New()
	ctx := context.Background()
	require.NoError(t, server.CreateServer(ctx, map[string]any{"addr": addr, "path": "/frame"}, bridge))
	defer server.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	client := New()
	c, err := client.CreateClient(context.Background(), map[string]any{
		"endpoint": "http://" + addr + "/frame",
		"brotli":   true,
	})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Send(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
}
