// Package webrtcplugin implements a WebRTC transport.Plugin (spec 4.D): an
// ordered, reliable DataChannel carrying opaque wire frames, with signaling
// offer/answer exchanged over a short-lived websocket connection. The
// offer/answer/ICE dance is grounded on webrtc/sfu.go's signaling messages;
// the generic (sessionID, frame []byte) duplex shape is a deliberate
// simplification of sfu.go's full SFU (no track routing, no RTP rewriting —
// that lives in mediarouter, whose tracks are caller-supplied
// decode/encode/send callbacks rather than this generic Plugin).
package webrtcplugin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/n0remac/streamgraph/transport"
)

const Name = "webrtc"

const dataChannelLabel = "frames"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type sdpMessage struct {
	Type   string                     `json:"type"`
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

// Plugin is the WebRTC transport.Plugin.
type Plugin struct {
	mu      sync.Mutex
	servers map[string]*http.Server
	log     zerolog.Logger
}

func New() *Plugin {
	return &Plugin{servers: make(map[string]*http.Server), log: obslog.Component("webrtcplugin")}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) ValidateConfig(params map[string]any) error {
	if _, hasSignaling := params["signaling_url"]; hasSignaling {
		return nil
	}
	if _, hasAddr := params["signaling_addr"]; hasAddr {
		return nil
	}
	return runtimeerr.Config("webrtcplugin", "config must set either signaling_url (client) or signaling_addr (server)")
}

func newPeerConnection() (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
}

// CreateClient dials signaling_url, creates an ordered reliable data channel,
// exchanges SDP, and returns a Client whose Send does one write-then-read
// round trip over the channel.
func (p *Plugin) CreateClient(ctx context.Context, config map[string]any) (transport.Client, error) {
	signalingURL, _ := config["signaling_url"].(string)
	if signalingURL == "" {
		return nil, runtimeerr.Config("webrtcplugin", "client config requires a non-empty signaling_url")
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, signalingURL, nil)
	if err != nil {
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}
	defer ws.Close()

	pc, err := newPeerConnection()
	if err != nil {
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}

	c := &client{pc: pc, dc: dc, recv: make(chan []byte, 8), open: make(chan struct{})}
	dc.OnOpen(func() { close(c.open) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.recv <- msg.Data:
		default:
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}
	if err := ws.WriteJSON(sdpMessage{Type: "offer", Offer: &offer}); err != nil {
		pc.Close()
		return nil, runtimeerr.TransportClosed(err.Error())
	}

	var answer sdpMessage
	if err := ws.ReadJSON(&answer); err != nil {
		pc.Close()
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	if answer.Answer == nil {
		pc.Close()
		return nil, runtimeerr.MalformedFrame("answer", "signaling reply carried no SDP answer")
	}
	if err := pc.SetRemoteDescription(*answer.Answer); err != nil {
		pc.Close()
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}

	select {
	case <-c.open:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		pc.Close()
		return nil, runtimeerr.Timeout("webrtcplugin", 10_000)
	}
	return c, nil
}

type client struct {
	mu   sync.Mutex
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	recv chan []byte
	open chan struct{}
}

func (c *client) Send(ctx context.Context, frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dc.Send(frame); err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	select {
	case reply := <-c.recv:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *client) Close() error { return c.pc.Close() }

// CreateServer accepts signaling connections at signaling_addr, answers each
// offer, and pumps the resulting data channel through bridge.
func (p *Plugin) CreateServer(ctx context.Context, config map[string]any, bridge transport.ExecutorBridge) error {
	addr, _ := config["signaling_addr"].(string)
	if addr == "" {
		return runtimeerr.Config("webrtcplugin", "server config requires a non-empty signaling_addr")
	}
	path, _ := config["path"].(string)
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Warn().Err(err).Msg("signaling upgrade failed")
			return
		}
		go p.serveSignaling(ctx, ws, bridge)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	p.mu.Lock()
	p.servers[addr] = srv
	p.mu.Unlock()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Error().Err(err).Str("addr", addr).Msg("webrtc signaling server exited")
		}
	}()
	return nil
}

func (p *Plugin) serveSignaling(ctx context.Context, ws *websocket.Conn, bridge transport.ExecutorBridge) {
	defer ws.Close()

	var offerMsg sdpMessage
	if err := ws.ReadJSON(&offerMsg); err != nil || offerMsg.Offer == nil {
		p.log.Warn().Err(err).Msg("expected offer as first signaling message")
		return
	}

	pc, err := newPeerConnection()
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to create peer connection")
		return
	}
	defer pc.Close()

	done := make(chan struct{})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			go p.pumpOutput(ctx, dc, bridge, done)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if err := bridge.SendInput(ctx, msg.Data); err != nil {
				p.log.Warn().Err(err).Msg("send_input failed")
			}
		})
		dc.OnClose(func() { close(done) })
	})

	if err := pc.SetRemoteDescription(*offerMsg.Offer); err != nil {
		p.log.Warn().Err(err).Msg("set remote description failed")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		p.log.Warn().Err(err).Msg("create answer failed")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		p.log.Warn().Err(err).Msg("set local description failed")
		return
	}
	if err := ws.WriteJSON(sdpMessage{Type: "answer", Answer: &answer}); err != nil {
		p.log.Warn().Err(err).Msg("failed to send answer")
		return
	}

	<-done
}

func (p *Plugin) pumpOutput(ctx context.Context, dc *webrtc.DataChannel, bridge transport.ExecutorBridge, done chan struct{}) {
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
		if err := dc.Send(frame); err != nil {
			return
		}
	}
}

// Shutdown gracefully stops every signaling server this Plugin started.
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
