package remotenode

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/streamgraph/manifest"
	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/runtimedata"
	"github.com/n0remac/streamgraph/transport"
)

type fakeClient struct {
	calls int
	fail  int // number of leading calls that return an error
	err   error
}

func (c *fakeClient) Send(ctx context.Context, frame []byte) ([]byte, error) {
	c.calls++
	if c.calls <= c.fail {
		return nil, c.err
	}
	f, _ := runtimedata.Decode(frame)
	f.Payload = append([]byte("echo:"), f.Payload...)
	return runtimedata.Encode(f), nil
}

func (c *fakeClient) Close() error { return nil }

type fakePlugin struct {
	client *fakeClient
}

func (p *fakePlugin) Name() string                               { return "fake" }
func (p *fakePlugin) ValidateConfig(params map[string]any) error { return nil }
func (p *fakePlugin) CreateClient(ctx context.Context, config map[string]any) (transport.Client, error) {
	return p.client, nil
}
func (p *fakePlugin) CreateServer(ctx context.Context, config map[string]any, bridge transport.ExecutorBridge) error {
	return nil
}

var testManifest = manifest.Manifest{
	Version: "v1",
	Nodes:   []manifest.NodeSpec{{ID: "n1", NodeType: "passthrough"}},
}

func newTestNode(t *testing.T, client *fakeClient) *Node {
	t.Helper()
	factory := NewFactory(
		func(name string) (transport.Plugin, bool) { return &fakePlugin{client: client}, true },
		nil,
		func(params map[string]any) (Config, error) {
			return Config{
				TransportPlugin: "fake",
				Endpoints:       []string{"ep1"},
				ManifestSource:  Source{Inline: &testManifest},
				Strategy:        RoundRobin,
			}, nil
		},
	)
	n, err := factory("remote1", nil, "session1")
	require.NoError(t, err)
	require.NoError(t, n.Initialize(context.Background(), node.SessionContext{}))
	return n.(*Node)
}

func TestProcessRoundTrip(t *testing.T) {
	n := newTestNode(t, &fakeClient{})
	out, err := n.Process(context.Background(), runtimedata.Frame{Type: runtimedata.TypeText, Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(out.Payload))
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{fail: 2, err: errors.New("transient")}
	n := newTestNode(t, client)
	n.cfg.Retry = DefaultRetry
	n.cfg.Retry.BaseDelay = 1
	out, err := n.Process(context.Background(), runtimedata.Frame{Type: runtimedata.TypeText, Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(out.Payload))
	assert.Equal(t, 3, client.calls)
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	client := &fakeClient{fail: 100, err: errors.New("down")}
	n := newTestNode(t, client)
	n.cfg.CircuitBreaker = 2

	_, err := n.Process(context.Background(), runtimedata.Frame{Type: runtimedata.TypeText})
	require.Error(t, err)
	_, err = n.Process(context.Background(), runtimedata.Frame{Type: runtimedata.TypeText})
	require.Error(t, err)

	callsBefore := client.calls
	_, err = n.Process(context.Background(), runtimedata.Frame{Type: runtimedata.TypeText})
	require.Error(t, err)
	assert.Equal(t, callsBefore, client.calls, "an open circuit must not invoke the transport again")
}
