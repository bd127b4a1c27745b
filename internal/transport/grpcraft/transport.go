package grpcraft

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/hongwei-wu/zraft/internal/raft"
)

const (
	serviceName = "zraft.v1.Transport"
	methodName  = "/zraft.v1.Transport/Deliver"
	codecName   = "zraft-raw"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawEnvelope carries pre-encoded bytes through gRPC without a generated
// schema.
type rawEnvelope struct {
	data []byte
}

// rawCodec moves rawEnvelope payloads verbatim.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*rawEnvelope)
	if !ok {
		return nil, fmt.Errorf("grpcraft: codec asked to marshal %T", v)
	}
	return env.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*rawEnvelope)
	if !ok {
		return fmt.Errorf("grpcraft: codec asked to unmarshal into %T", v)
	}
	env.data = data
	return nil
}

func (rawCodec) Name() string { return codecName }

// Logger is the logging interface required by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Transport delivers Raft messages between peers over gRPC. Outbound
// messages go to the address registered for the destination id; inbound
// envelopes are decoded and handed to the installed handler.
type Transport struct {
	mu      sync.Mutex
	addrs   map[raft.ID]string
	conns   map[raft.ID]*grpc.ClientConn
	handler raft.MessageHandler

	dialOpts []grpc.DialOption
	logger   Logger

	server *grpc.Server
}

// NewTransport returns a transport that dials peers with the given options.
func NewTransport(peers map[raft.ID]string, logger Logger, dialOpts ...grpc.DialOption) *Transport {
	addrs := make(map[raft.ID]string, len(peers))
	for id, addr := range peers {
		addrs[id] = addr
	}
	return &Transport{
		addrs:    addrs,
		conns:    map[raft.ID]*grpc.ClientConn{},
		dialOpts: dialOpts,
		logger:   logger,
	}
}

// SetHandler installs the inbound message sink, normally (*raft.Raft).Step.
func (t *Transport) SetHandler(h raft.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send encodes and delivers one message. The callback reports only local
// dispatch status; replies arrive as separate messages.
func (t *Transport) Send(msg raft.Message, cb func(error)) {
	data, err := Marshal(msg)
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}

	conn, err := t.connFor(msg.Dst())
	if err != nil {
		if cb != nil {
			cb(raft.ErrNoConnection)
		}
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := conn.Invoke(ctx, methodName,
			&rawEnvelope{data: data}, &rawEnvelope{},
			grpc.CallContentSubtype(codecName),
		)
		if err != nil {
			t.logger.Debug("message delivery failed",
				"to", msg.Dst(),
				"error", err,
			)
			err = raft.ErrNoConnection
		}
		if cb != nil {
			cb(err)
		}
	}()
}

func (t *Transport) connFor(id raft.ID) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[id]; ok {
		return conn, nil
	}
	addr, ok := t.addrs[id]
	if !ok {
		return nil, raft.ErrNotFound
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[id] = conn
	return conn, nil
}

// Serve registers the delivery service and serves it on the listener,
// blocking until the server stops.
func (t *Transport) Serve(lis net.Listener, opts ...grpc.ServerOption) error {
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}))
	server := grpc.NewServer(opts...)
	server.RegisterService(t.serviceDesc(), t)

	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	return server.Serve(lis)
}

// Close stops the server and tears down peer connections.
func (t *Transport) Close() {
	t.mu.Lock()
	server := t.server
	conns := t.conns
	t.conns = map[raft.ID]*grpc.ClientConn{}
	t.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (t *Transport) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*deliverServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Deliver", Handler: deliverHandler},
		},
		Streams: []grpc.StreamDesc{},
	}
}

// deliverServer is the service contract implemented by Transport.
type deliverServer interface {
	deliver(ctx context.Context, env *rawEnvelope) (*rawEnvelope, error)
}

func (t *Transport) deliver(_ context.Context, env *rawEnvelope) (*rawEnvelope, error) {
	msg, err := Unmarshal(env.data)
	if err != nil {
		t.logger.Warn("malformed envelope dropped", "error", err)
		return &rawEnvelope{}, nil
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler.Step(msg)
	}
	return &rawEnvelope{}, nil
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	env := &rawEnvelope{}
	if err := dec(env); err != nil {
		return nil, err
	}
	return srv.(deliverServer).deliver(ctx, env)
}
