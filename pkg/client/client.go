// Package client is a Go client for the campaign websocket. It keeps one
// connection open, re-dialing with capped exponential backoff and jitter,
// and re-sends join-campaign after every reconnect.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
)

var ErrNotConnected = errors.New("client: not connected")

// Wire types re-exported for callers outside this module.
type (
	Envelope     = protocol.Envelope
	JoinCampaign = protocol.JoinCampaign
	Type         = protocol.Type
)

type Options struct {
	URL  string
	Join protocol.JoinCampaign

	InitialInterval time.Duration
	MaxInterval     time.Duration
	WriteTimeout    time.Duration

	Log *zap.Logger
}

type Client struct {
	opts     Options
	log      *zap.Logger
	incoming chan protocol.Envelope

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(opts Options) *Client {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:     opts,
		log:      log.Named("client"),
		incoming: make(chan protocol.Envelope, 64),
	}
}

// Incoming yields every envelope received, across reconnects. It is closed
// when Run returns.
func (c *Client) Incoming() <-chan protocol.Envelope { return c.incoming }

// Run connects and keeps reconnecting until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.incoming)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.RandomizationFactor = 0.5

	for {
		joined, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if joined {
			b.Reset()
		}

		wait := b.NextBackOff()
		c.log.Info("connection lost, reconnecting", zap.Duration("in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection. joined reports whether the connection got
// far enough to send join-campaign.
func (c *Client) session(ctx context.Context) (joined bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	c.setConn(conn)
	defer c.setConn(nil)

	if err := c.Send(ctx, protocol.TypeJoinCampaign, c.opts.Join); err != nil {
		return false, err
	}

	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return true, err
		}
		select {
		case c.incoming <- env:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Send writes one envelope on the current connection.
func (c *Client) Send(ctx context.Context, t protocol.Type, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, env); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}
