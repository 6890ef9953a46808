package mediarouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/streamgraph/runtimedata"
)

type fakeSession struct {
	mu      sync.Mutex
	sent    []runtimedata.Frame
	outbox  chan runtimedata.Frame
	closed  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{outbox: make(chan runtimedata.Frame, 16)}
}

func (s *fakeSession) SendInput(ctx context.Context, nodeID string, f runtimedata.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSession) RecvOutput(ctx context.Context) (runtimedata.Frame, bool) {
	select {
	case f := <-s.outbox:
		return f, true
	case <-ctx.Done():
		return runtimedata.Frame{}, false
	}
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestPushInboundDecodesAndForwards(t *testing.T) {
	sess := newFakeSession()
	r := New("sess1", sess, "entry", 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer func() { cancel(); r.Close(context.Background()) }()

	track := &InboundTrack{
		StreamID: "s1",
		Decode: func(chunk []byte, streamID string) (runtimedata.Frame, error) {
			return runtimedata.Frame{Type: runtimedata.TypeText, SessionID: streamID, Payload: chunk}, nil
		},
	}
	require.NoError(t, r.PushInbound(context.Background(), track, []byte("hello")))

	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.sent) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSyncGateDropsUntilKeyframe(t *testing.T) {
	sess := newFakeSession()
	r := New("sess1", sess, "entry", 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer func() { cancel(); r.Close(context.Background()) }()

	var nudges int
	var mu sync.Mutex
	track := &InboundTrack{
		StreamID: "video1",
		Decode: func(chunk []byte, streamID string) (runtimedata.Frame, error) {
			return runtimedata.Frame{Type: runtimedata.TypeVideo, SessionID: streamID, Payload: chunk}, nil
		},
		IsSyncPoint: func(chunk []byte) bool { return string(chunk) == "KEY" },
		RequestSync: func() {
			mu.Lock()
			nudges++
			mu.Unlock()
		},
	}

	require.NoError(t, r.PushInbound(context.Background(), track, []byte("DELTA")))
	require.NoError(t, r.PushInbound(context.Background(), track, []byte("KEY")))
	require.NoError(t, r.PushInbound(context.Background(), track, []byte("DELTA2")))

	require.Eventually(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.sent) == 2
	}, time.Second, 5*time.Millisecond)

	sess.mu.Lock()
	assert.Equal(t, "KEY", string(sess.sent[0].Payload))
	assert.Equal(t, "DELTA2", string(sess.sent[1].Payload))
	sess.mu.Unlock()

	mu.Lock()
	assert.GreaterOrEqual(t, nudges, 1)
	mu.Unlock()
}

func TestDispatchOutboundMatchesStreamID(t *testing.T) {
	sess := newFakeSession()
	r := New("sess1", sess, "entry", 0, 0)

	var sent []byte
	r.RegisterOutbound(&OutboundTrack{
		StreamID: "out1",
		Encode: func(f runtimedata.Frame) ([]byte, bool) {
			return f.Payload, true
		},
		Send: func(chunk []byte) error {
			sent = chunk
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer func() { cancel(); r.Close(context.Background()) }()

	sess.outbox <- runtimedata.Frame{Type: runtimedata.TypeText, SessionID: "out1", Payload: []byte("reply")}

	require.Eventually(t, func() bool {
		return string(sent) == "reply"
	}, time.Second, 5*time.Millisecond)
}

func TestCloseClosesUnderlyingSession(t *testing.T) {
	sess := newFakeSession()
	r := New("sess1", sess, "entry", 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	cancel()
	require.NoError(t, r.Close(context.Background()))
	assert.True(t, sess.closed)
}

func TestIngressRateLimiterDropsExcess(t *testing.T) {
	sess := newFakeSession()
	r := New("sess1", sess, "entry", 1, 1) // 1 token, burst 1
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer func() { cancel(); r.Close(context.Background()) }()

	track := &InboundTrack{
		StreamID: "s1",
		Decode: func(chunk []byte, streamID string) (runtimedata.Frame, error) {
			return runtimedata.Frame{Type: runtimedata.TypeText, SessionID: streamID, Payload: chunk}, nil
		},
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, r.PushInbound(context.Background(), track, []byte("x")))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Greater(t, r.DroppedChunks(), uint64(0))
}
