// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

const (
	defaultDialAttempts = 5
	defaultDialDelay    = 100 * time.Millisecond
	defaultDialMaxDelay = 5 * time.Second
)

// DialConfig holds what Dial needs to open a connected client.
type DialConfig struct {
	// Dial opens a new transport to the server.
	Dial func(ctx context.Context) (Transport, error)

	// Client configures each connection attempt.
	Client ClientConfig

	// Attempts is how many times to try. Defaults to 5.
	Attempts int

	// Delay is the wait after the first failure, doubled after each
	// subsequent one up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Validate ensures that the config values are valid.
func (c DialConfig) Validate() error {
	if c.Dial == nil {
		return errors.NotValidf("missing Dial")
	}
	if c.Attempts < 0 {
		return errors.NotValidf("negative Attempts")
	}
	if c.Delay < 0 || c.MaxDelay < 0 {
		return errors.NotValidf("negative delay")
	}
	return errors.Trace(c.Client.Validate())
}

// Dial opens a transport and runs the handshake, retrying transient
// failures with exponential backoff. A rejected handshake is not
// retried.
func Dial(ctx context.Context, config DialConfig) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Attempts == 0 {
		config.Attempts = defaultDialAttempts
	}
	if config.Delay == 0 {
		config.Delay = defaultDialDelay
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = defaultDialMaxDelay
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Client.Clock == nil {
		config.Client.Clock = config.Clock
	}

	var conn *Conn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			transport, err := config.Dial(ctx)
			if err != nil {
				return errors.Annotate(err, "dialing")
			}
			c, err := NewClientConn(transport, config.Client)
			if err != nil {
				_ = transport.Close()
				return errors.Trace(err)
			}
			if err := c.Connect(ctx); err != nil {
				_ = c.Close()
				return errors.Trace(err)
			}
			conn = c
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrHandshakeRejected) ||
				errors.Is(err, errors.NotValid) ||
				ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("connection attempt %d failed: %v", attempt, err)
		},
		Attempts:    config.Attempts,
		Delay:       config.Delay,
		MaxDelay:    config.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       config.Clock,
		Stop:        ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) || retry.IsDurationExceeded(err) {
		return nil, errors.Trace(retry.LastError(err))
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return conn, nil
}
