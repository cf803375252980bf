package srpc

import (
	"errors"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
)

// peerOptions holds configuration for a [Peer] instance.
type peerOptions struct {
	logger *logiface.Logger[logiface.Event]
	genID  IDGenerator
}

// Option configures a [Peer] instance. Options are applied during
// construction.
type Option interface {
	applyOption(*peerOptions) error
}

// peerOptionImpl implements [Option] via a closure.
type peerOptionImpl struct {
	fn func(*peerOptions) error
}

func (o *peerOptionImpl) applyOption(opts *peerOptions) error {
	return o.fn(opts)
}

// WithLogger configures structured logging for the peer. Without it the peer
// is silent.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &peerOptionImpl{fn: func(opts *peerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithIDGenerator configures the id minting policy. The generator must not
// be nil; ids must be unique within the peer's lifetime. The default
// generator produces UUIDs.
func WithIDGenerator(gen IDGenerator) Option {
	return &peerOptionImpl{fn: func(opts *peerOptions) error {
		if gen == nil {
			return errors.New("srpc: id generator must not be nil")
		}
		opts.genID = gen
		return nil
	}}
}

// resolveOptions applies the given options to a default [peerOptions].
func resolveOptions(opts []Option) (*peerOptions, error) {
	cfg := &peerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.genID == nil {
		cfg.genID = uuid.NewString
	}
	return cfg, nil
}
