// Package grpcchannel carries srpc messages over a gRPC bidirectional
// stream. Each message is codec-encoded and wrapped in a
// [wrapperspb.BytesValue], so no generated stubs are required: clients open
// the stream via [Dial] against any [grpc.ClientConnInterface], and servers
// register the service returned by [Service].
//
// The channel supports the receive and send-async capabilities; the srpc
// runtime downgrades sync-preferring calls accordingly.
package grpcchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	srpc "github.com/joeycumines/go-srpc"
)

const (
	// ServiceName is the gRPC service the channel is carried on.
	ServiceName = "srpc.Channel"
	// FullMethod is the full method name of the bidirectional stream.
	FullMethod = "/srpc.Channel/Messages"
)

var streamDesc = grpc.StreamDesc{
	StreamName:    "Messages",
	ServerStreams: true,
	ClientStreams: true,
}

// messageStream is the intersection of grpc.ClientStream and
// grpc.ServerStream the channel relies on.
type messageStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Channel is one end of a gRPC-stream-backed srpc channel.
//
// Create instances with [Dial] (client side) or via [Service] (server side).
// The zero value is not usable.
type Channel struct {
	stream messageStream
	codec  srpc.Codec
	logger *logiface.Logger[logiface.Event]

	sendMu sync.Mutex

	mu      sync.Mutex
	handler srpc.Handler
}

var (
	_ srpc.Sender   = (*Channel)(nil)
	_ srpc.Receiver = (*Channel)(nil)
)

// channelOptions holds configuration for a [Channel] instance.
type channelOptions struct {
	codec  srpc.Codec
	logger *logiface.Logger[logiface.Event]
}

// Option configures a [Channel] instance.
type Option interface {
	applyOption(*channelOptions) error
}

type channelOptionImpl struct {
	fn func(*channelOptions) error
}

func (o *channelOptionImpl) applyOption(opts *channelOptions) error {
	return o.fn(opts)
}

// WithCodec configures the message codec. If not set, [srpc.JSONCodec] is
// used.
func WithCodec(codec srpc.Codec) Option {
	return &channelOptionImpl{fn: func(opts *channelOptions) error {
		if codec == nil {
			return errors.New("grpcchannel: codec must not be nil")
		}
		opts.codec = codec
		return nil
	}}
}

// WithLogger configures structured logging for the channel.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &channelOptionImpl{fn: func(opts *channelOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolveOptions(opts []Option) (*channelOptions, error) {
	cfg := &channelOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.codec == nil {
		cfg.codec = srpc.JSONCodec{}
	}
	return cfg, nil
}

// Dial opens the bidirectional stream against cc and wraps it as a channel.
// The caller drives delivery via [Channel.Run].
func Dial(ctx context.Context, cc grpc.ClientConnInterface, opts ...Option) (*Channel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	stream, err := cc.NewStream(ctx, &streamDesc, FullMethod)
	if err != nil {
		return nil, fmt.Errorf("grpcchannel: open stream: %w", err)
	}
	return &Channel{stream: stream, codec: cfg.codec, logger: cfg.logger}, nil
}

// Service returns a registerable gRPC service serving the channel stream.
// bind is invoked once per accepted stream with the server-side channel; it
// should wire up the srpc peer and return, after which the channel's receive
// loop runs for the lifetime of the stream.
func Service(bind func(*Channel), opts ...Option) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    streamDesc.StreamName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				cfg, err := resolveOptions(opts)
				if err != nil {
					return err
				}
				ch := &Channel{stream: stream, codec: cfg.codec, logger: cfg.logger}
				bind(ch)
				return ch.Run(stream.Context())
			},
		}},
	}
}

// Receive binds the inbound handler invoked by [Channel.Run].
func (c *Channel) Receive(h srpc.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send encodes one message onto the stream. Safe for concurrent use.
func (c *Channel) Send(_ context.Context, msg *srpc.Message) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("grpcchannel: encode: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(payload)); err != nil {
		return fmt.Errorf("grpcchannel: send: %w", err)
	}
	return nil
}

// Run receives messages and dispatches them to the bound handler until the
// stream ends or ctx is done. Messages that fail to decode are logged and
// skipped.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var frame wrapperspb.BytesValue
		err := c.stream.RecvMsg(&frame)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("grpcchannel: recv: %w", err)
		}
		var msg srpc.Message
		if err := c.codec.Decode(frame.GetValue(), &msg); err != nil {
			c.logger.Warning().
				Err(err).
				Log(`dropped undecodable message`)
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug().
				Log(`dropped message: no handler bound`)
			continue
		}
		h(ctx, &msg, c)
	}
}

// CloseSend half-closes the client side of the stream, letting the server's
// receive loop drain and finish. No-op on the server side.
func (c *Channel) CloseSend() error {
	if cs, ok := c.stream.(grpc.ClientStream); ok {
		return cs.CloseSend()
	}
	return nil
}
