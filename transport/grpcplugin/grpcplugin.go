// Package grpcplugin implements a gRPC transport.Plugin (spec 4.D): a
// bidirectional-streaming RPC carrying opaque wire frames as
// wrapperspb.BytesValue, with no generated stubs — the service/stream
// descriptors are hand-built the way a codec-agnostic proxy would. The
// Prometheus interceptor wiring is grounded on
// controller/util/grpc.go (linkerd2): grpc_prometheus.UnaryServerInterceptor
// / StreamServerInterceptor plus grpc_prometheus.Register(server).
package grpcplugin

import (
	"context"
	"net"
	"sync"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/runtimeerr"
	"github.com/n0remac/streamgraph/transport"
)

const Name = "grpc"

const (
	serviceName = "streamgraph.transport.Frames"
	methodName  = "Exchange"
	fullMethod  = "/" + serviceName + "/" + methodName
)

// Plugin is the gRPC transport.Plugin.
type Plugin struct {
	mu      sync.Mutex
	servers map[string]*grpc.Server
	log     zerolog.Logger
}

func New() *Plugin {
	return &Plugin{servers: make(map[string]*grpc.Server), log: obslog.Component("grpcplugin")}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) ValidateConfig(params map[string]any) error {
	if _, hasEndpoint := params["endpoint"]; hasEndpoint {
		return nil
	}
	if _, hasAddr := params["addr"]; hasAddr {
		return nil
	}
	return runtimeerr.Config("grpcplugin", "config must set either endpoint (client) or addr (server)")
}

// CreateClient dials endpoint and returns a Client whose Send opens one
// client-stream call, sends a single frame, and returns the single reply.
func (p *Plugin) CreateClient(ctx context.Context, config map[string]any) (transport.Client, error) {
	endpoint, _ := config["endpoint"].(string)
	if endpoint == "" {
		return nil, runtimeerr.Config("grpcplugin", "client config requires a non-empty endpoint")
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, runtimeerr.BackendUnavailable(Name, err.Error())
	}
	return &client{conn: conn}, nil
}

type client struct {
	conn *grpc.ClientConn
}

var streamDesc = &grpc.StreamDesc{
	StreamName:    methodName,
	ClientStreams: true,
	ServerStreams: true,
}

func (c *client) Send(ctx context.Context, frame []byte) ([]byte, error) {
	stream, err := c.conn.NewStream(ctx, streamDesc, fullMethod)
	if err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	if err := stream.SendMsg(&wrapperspb.BytesValue{Value: frame}); err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	if err := stream.CloseSend(); err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	var reply wrapperspb.BytesValue
	if err := stream.RecvMsg(&reply); err != nil {
		return nil, runtimeerr.TransportClosed(err.Error())
	}
	return reply.Value, nil
}

func (c *client) Close() error { return c.conn.Close() }

// CreateServer listens on addr and pumps every call's stream through bridge:
// each inbound message becomes a send_input call, and every recv_output
// frame is written back on the same stream.
func (p *Plugin) CreateServer(ctx context.Context, config map[string]any, bridge transport.ExecutorBridge) error {
	addr, _ := config["addr"].(string)
	if addr == "" {
		return runtimeerr.Config("grpcplugin", "server config requires a non-empty addr")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return runtimeerr.BackendUnavailable(Name, err.Error())
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	grpc_prometheus.Register(server)
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName: methodName,
			Handler: func(_ any, stream grpc.ServerStream) error {
				return p.handleStream(ctx, stream, bridge)
			},
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, nil)

	p.mu.Lock()
	p.servers[addr] = server
	p.mu.Unlock()

	go func() {
		if err := server.Serve(lis); err != nil {
			p.log.Warn().Err(err).Str("addr", addr).Msg("grpc server exited")
		}
	}()
	return nil
}

func (p *Plugin) handleStream(ctx context.Context, stream grpc.ServerStream, bridge transport.ExecutorBridge) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			out, ok, err := bridge.RecvOutput(ctx)
			if err != nil || !ok {
				return
			}
			if err := stream.SendMsg(&wrapperspb.BytesValue{Value: out}); err != nil {
				return
			}
		}
	}()

	for {
		var msg wrapperspb.BytesValue
		if err := stream.RecvMsg(&msg); err != nil {
			<-done
			return nil
		}
		if err := bridge.SendInput(ctx, msg.Value); err != nil {
			p.log.Warn().Err(err).Msg("send_input failed")
		}
	}
}

// Shutdown gracefully stops every server this Plugin started.
func (p *Plugin) Shutdown(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.servers {
		s.GracefulStop()
	}
}
