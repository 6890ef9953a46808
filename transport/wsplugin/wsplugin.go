// Package wsplugin implements the websocket transport.Plugin (spec 4.D),
// generalized from websocket/websocket.go's Hub/CommandRegistry pattern: the
// per-client Register/ReadPump/WritePump shape survives, but the hard-coded
// "room" + typed-command dispatch is replaced with a generic (sessionID,
// opaque frame) duplex pump driven by transport.ExecutorBridge.
package wsplugin

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/n0remac/streamgraph/transport"
)

const Name = "websocket"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Plugin is the websocket transport.Plugin. One Plugin instance can back
// many CreateClient/CreateServer calls.
type Plugin struct {
	mu      sync.Mutex
	servers map[string]*http.Server // keyed by addr, for orderly Shutdown
	log     zerolog.Logger
}

func New() *Plugin {
	return &Plugin{
		servers: make(map[string]*http.Server),
		log:     obslog.Component("wsplugin"),
	}
}

func (p *Plugin) Name() string { return Name }

// ValidateConfig checks the fields CreateClient/CreateServer each need,
// tolerating whichever subset a given call site supplies.
func (p *Plugin) ValidateConfig(params map[string]any) error {
	if _, hasEndpoint := params["endpoint"]; hasEndpoint {
		return nil
	}
	if _, hasAddr := params["addr"]; hasAddr {
		return nil
	}
	return runtimeerr.Config("wsplugin", "config must set either endpoint (client) or addr (server)")
}

// CreateClient dials a remote-pipeline endpoint and returns a Client whose
// Send does one write-then-read round trip over the socket.
func (p *Plugin) CreateClient(ctx context.Context, config map[string]any) (transport.Client, error) {
	endpoint, _ := config["endpoint"].(string)
	if endpoint == "" {
		return nil, runtimeerr.Config("wsplugin", "client config requires a non-empty endpoint")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}
	return &client{conn: conn}, nil
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) Send(ctx context.Context, frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	_, reply, err := c.conn.ReadMessage()
	if err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	return reply, nil
}

func (c *client) Close() error { return c.conn.Close() }

// CreateServer starts an HTTP server upgrading every connection on path to a
// websocket, then pumps frames in both directions through bridge. Every
// accepted connection shares that one bridge; there is no per-connection
// session and no room key, unlike the teacher's multi-client-per-room Hub.
func (p *Plugin) CreateServer(ctx context.Context, config map[string]any, bridge transport.ExecutorBridge) error {
	addr, _ := config["addr"].(string)
	if addr == "" {
		return runtimeerr.Config("wsplugin", "server config requires a non-empty addr")
	}
	path, _ := config["path"].(string)
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		go p.servePeer(ctx, conn, bridge)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	p.mu.Lock()
	p.servers[addr] = srv
	p.mu.Unlock()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Error().Err(err).Str("addr", addr).Msg("websocket server exited")
		}
	}()
	return nil
}

func (p *Plugin) servePeer(ctx context.Context, conn *websocket.Conn, bridge transport.ExecutorBridge) {
	done := make(chan struct{})
	go p.readPump(ctx, conn, bridge, done)
	p.writePump(ctx, conn, bridge, done)
}

func (p *Plugin) readPump(ctx context.Context, conn *websocket.Conn, bridge transport.ExecutorBridge, done chan struct{}) {
	defer close(done)
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := bridge.SendInput(ctx, msg); err != nil {
			p.log.Warn().Err(err).Msg("send_input failed")
			return
		}
	}
}

func (p *Plugin) writePump(ctx context.Context, conn *websocket.Conn, bridge transport.ExecutorBridge, done chan struct{}) {
	defer conn.Close()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
		frame, ok, err := bridge.RecvOutput(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("recv_output failed")
			return
		}
		if !ok {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

// Shutdown gracefully stops every server this Plugin started.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for addr, srv := range p.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown %s: %w", addr, err)
		}
	}
	return firstErr
}
