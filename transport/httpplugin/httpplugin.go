// Package httpplugin implements a chunked-HTTP transport.Plugin (spec 4.D)
// using julienschmidt/httprouter for request dispatch, grounded on
// cni-plugin/proxyscheduler/server/server.go's router.POST/GET wiring. Body
// compression is optional andybalholm/brotli, negotiated via Content-Encoding.
package httpplugin

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/n0remac/streamgraph/transport"
)

const Name = "http"

// DefaultReplyTimeout bounds how long CreateServer's handler waits for a
// recv_output frame to answer one request (spec 4.D: HTTP is strictly
// request/reply, unlike the duplex websocket/webrtc/grpc plugins).
const DefaultReplyTimeout = 10 * time.Second

// Plugin is the chunked-HTTP transport.Plugin.
type Plugin struct {
	mu      sync.Mutex
	servers map[string]*http.Server
	log     zerolog.Logger
}

func New() *Plugin {
	return &Plugin{servers: make(map[string]*http.Server), log: obslog.Component("httpplugin")}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) ValidateConfig(params map[string]any) error {
	if _, hasEndpoint := params["endpoint"]; hasEndpoint {
		return nil
	}
	if _, hasAddr := params["addr"]; hasAddr {
		return nil
	}
	return runtimeerr.Config("httpplugin", "config must set either endpoint (client) or addr (server)")
}

func boolParam(config map[string]any, key string) bool {
	v, _ := config[key].(bool)
	return v
}

// CreateClient returns a Client whose Send issues one chunked POST and
// returns the response body as the reply frame.
func (p *Plugin) CreateClient(ctx context.Context, config map[string]any) (transport.Client, error) {
	endpoint, _ := config["endpoint"].(string)
	if endpoint == "" {
		return nil, runtimeerr.Config("httpplugin", "client config requires a non-empty endpoint")
	}
	return &client{
		endpoint: endpoint,
		compress: boolParam(config, "brotli"),
		http:     &http.Client{},
	}, nil
}

type client struct {
	endpoint string
	compress bool
	http     *http.Client
}

func (c *client) Send(ctx context.Context, frame []byte) ([]byte, error) {
	body := frame
	var buf bytes.Buffer
	if c.compress {
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(frame); err != nil {
			return nil, runtimeerr.MalformedFrame("payload", err.Error())
		}
		if err := w.Close(); err != nil {
			return nil, runtimeerr.MalformedFrame("payload", err.Error())
		}
		body = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.compress {
		req.Header.Set("Content-Encoding", "br")
		req.Header.Set("Accept-Encoding", "br")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "br" {
		reader = brotli.NewReader(resp.Body)
	}
	reply, err := io.ReadAll(reader)
	if err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, runtimeerr.BackendUnavailable(Name, resp.Status)
	}
	return reply, nil
}

func (c *client) Close() error { return nil }

// CreateServer registers a POST handler on addr that forwards each request
// body through bridge.SendInput, then waits up to DefaultReplyTimeout for a
// recv_output frame to answer with.
func (p *Plugin) CreateServer(ctx context.Context, config map[string]any, bridge transport.ExecutorBridge) error {
	addr, _ := config["addr"].(string)
	if addr == "" {
		return runtimeerr.Config("httpplugin", "server config requires a non-empty addr")
	}
	path, _ := config["path"].(string)
	if path == "" {
		path = "/frame"
	}

	router := httprouter.New()
	router.POST(path, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		p.handleFrame(ctx, w, r, bridge)
	})

	srv := &http.Server{Addr: addr, Handler: router}
	p.mu.Lock()
	p.servers[addr] = srv
	p.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Error().Err(err).Str("addr", addr).Msg("http server exited")
		}
	}()
	return nil
}

func (p *Plugin) handleFrame(ctx context.Context, w http.ResponseWriter, r *http.Request, bridge transport.ExecutorBridge) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "br" {
		body = brotli.NewReader(r.Body)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := bridge.SendInput(ctx, payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, DefaultReplyTimeout)
	defer cancel()
	out, ok, err := bridge.RecvOutput(reqCtx)
	if err != nil || !ok {
		w.WriteHeader(http.StatusGatewayTimeout)
		return
	}

	accept := r.Header.Get("Accept-Encoding")
	if accept == "br" {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		bw.Write(out)
		return
	}
	w.Write(out)
}

// Shutdown gracefully stops every server this Plugin started.
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, srv := range p.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
