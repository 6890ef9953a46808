package wsplugin

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
	assert.NoError(t, p.ValidateConfig(map[string]any{"endpoint": "ws://x"}))
	assert.NoError(t, p.ValidateConfig(map[string]any{"addr": ":0"}))
}

func TestCreateClientRejectsEmptyEndpoint(t *testing.T) {
	p := New()
	_, err := p.CreateClient(context.Background(), map[string]any{})
	assert.Error(t, err)
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
	const addr = "127.0.0.1:18712"
	bridge := &echoBridge{out: make(chan []byte, 4)}

	server := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, server.CreateServer(ctx, map[string]any{"addr": addr, "path": "/"}, bridge))
	defer server.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond) // let ListenAndServe bind

	client := New()
	c, err := client.CreateClient(context.Background(), map[string]any{"endpoint": "ws://" + addr + "/"})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Send(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
}
