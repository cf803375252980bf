// Package streamchannel frames srpc messages over any io.ReadWriteCloser:
// a pipe, a socket, or anything else byte-stream shaped. Each message is a
// 4-byte big-endian length prefix followed by the codec-encoded payload,
// optionally lz4-compressed.
//
// The channel supports the receive and send-async capabilities; the srpc
// runtime downgrades sync-preferring calls accordingly.
package streamchannel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/pierrec/lz4/v4"

	srpc "github.com/joeycumines/go-srpc"
)

// MaxFrameSize bounds a single framed message, guarding the read loop
// against corrupt length prefixes.
const MaxFrameSize = 64 << 20

// Channel is one end of a framed stream transport.
//
// Create instances with [New]. The zero value is not usable.
type Channel struct {
	rw       io.ReadWriteCloser
	codec    srpc.Codec
	logger   *logiface.Logger[logiface.Event]
	compress bool
	lz4Opts  []lz4.Option

	writeMu sync.Mutex

	mu      sync.Mutex
	handler srpc.Handler
}

var (
	_ srpc.Sender   = (*Channel)(nil)
	_ srpc.Receiver = (*Channel)(nil)
)

// channelOptions holds configuration for a [Channel] instance.
type channelOptions struct {
	codec    srpc.Codec
	logger   *logiface.Logger[logiface.Event]
	lz4Opts  []lz4.Option
	compress bool
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
			return errors.New("streamchannel: codec must not be nil")
		}
		opts.codec = codec
		return nil
	}}
}

// WithCompression enables lz4 compression of each frame's payload. Both ends
// must agree.
func WithCompression(lz4Opts ...lz4.Option) Option {
	return &channelOptionImpl{fn: func(opts *channelOptions) error {
		opts.compress = true
		opts.lz4Opts = lz4Opts
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

// New wraps rw as a framed srpc channel.
func New(rw io.ReadWriteCloser, opts ...Option) (*Channel, error) {
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
	return &Channel{
		rw:       rw,
		codec:    cfg.codec,
		logger:   cfg.logger,
		compress: cfg.compress,
		lz4Opts:  cfg.lz4Opts,
	}, nil
}

// Receive binds the inbound handler invoked by [Channel.Run].
func (c *Channel) Receive(h srpc.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send encodes, optionally compresses, and frames one message. Safe for
// concurrent use.
func (c *Channel) Send(_ context.Context, msg *srpc.Message) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("streamchannel: encode: %w", err)
	}
	if c.compress {
		payload, err = compress(payload, c.lz4Opts...)
		if err != nil {
			return err
		}
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("streamchannel: frame of %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(prefix[:]); err != nil {
		return fmt.Errorf("streamchannel: write: %w", err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return fmt.Errorf("streamchannel: write: %w", err)
	}
	return nil
}

// Run reads frames and dispatches them to the bound handler until the stream
// ends, an error occurs, or ctx is done. Frames that fail to decode are
// logged and skipped; message-marker filtering is the runtime's concern.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := c.readFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var msg srpc.Message
		if err := c.codec.Decode(payload, &msg); err != nil {
			c.logger.Warning().
				Err(err).
				Log(`dropped undecodable frame`)
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug().
				Log(`dropped frame: no handler bound`)
			continue
		}
		h(ctx, &msg, c)
	}
}

// readFrame reads one length-prefixed payload, decompressing if configured.
func (c *Channel) readFrame() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.rw, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("streamchannel: frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, fmt.Errorf("streamchannel: short frame: %w", err)
	}
	if c.compress {
		return uncompress(payload, c.lz4Opts...)
	}
	return payload, nil
}

// Close closes the underlying stream, terminating [Channel.Run].
func (c *Channel) Close() error {
	return c.rw.Close()
}

func compress(b []byte, opts ...lz4.Option) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(opts...); err != nil {
		w.Close()
		return nil, fmt.Errorf("streamchannel: bad compression options: %w", err)
	} else if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, fmt.Errorf("streamchannel: compression failed: %w", err)
	} else if err = w.Close(); err != nil {
		return nil, fmt.Errorf("streamchannel: compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

func uncompress(b []byte, opts ...lz4.Option) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(b))
	if err := r.Apply(opts...); err != nil {
		return nil, fmt.Errorf("streamchannel: bad compression options: %w", err)
	}
	return io.ReadAll(r)
}
