package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/combat-tracker-backend/internal/dispatch"
	"github.com/DoyleJ11/combat-tracker-backend/internal/hub"
	"github.com/DoyleJ11/combat-tracker-backend/internal/metrics"
	"github.com/DoyleJ11/combat-tracker-backend/internal/peer"
	"github.com/DoyleJ11/combat-tracker-backend/internal/protocol"
)

type Config struct {
	// OriginPatterns lists the cross-origin hosts allowed to connect.
	OriginPatterns []string
	RateLimit      rate.Limit
	RateBurst      int
	ReadLimit      int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

const disconnectTimeout = 5 * time.Second

// Handler serves the campaign websocket. It tracks every open connection so
// shutdown can wait for their disconnect cleanup.
type Handler struct {
	hub      *hub.Hub
	dispatch *dispatch.Dispatcher
	cfg      Config
	log      *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
}

func NewHandler(h *hub.Hub, d *dispatch.Dispatcher, cfg Config, log *zap.Logger) *Handler {
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		hub:      h,
		dispatch: d,
		cfg:      cfg.withDefaults(),
		log:      log.Named("ws"),
		base:     base,
		cancel:   cancel,
	}
}

// Shutdown closes every connection and waits until each has been
// deregistered, or ctx is done.
func (s *Handler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for websocket cleanup: %w", ctx.Err())
	}
}

func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	h, d, cfg, log := s.hub, s.dispatch, s.cfg, s.log

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.OriginPatterns,
	})
	if err != nil {
		log.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnShutdown := context.AfterFunc(s.base, cancel)
	defer stopOnShutdown()

	// Dropping a slow client cancels ctx, which closes the connection.
	p := peer.New(uuid.NewString(), cancel)
	clog := log.With(zap.String("socket", p.ID))

	h.Connect(p.ID)
	metrics.ConnectionsActive.Inc()
	clog.Debug("connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		metrics.ConnectionsActive.Dec()
		h.Disconnect(p.ID)
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
		defer dcancel()
		d.Disconnect(dctx, p)
		clog.Debug("disconnected")
	}()

	g, gctx := errgroup.WithContext(ctx)

	// Writer goroutine
	g.Go(func() error {
		ping := time.NewTicker(cfg.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case env := <-p.Outbox():
				wctx, wcancel := context.WithTimeout(gctx, cfg.WriteTimeout)
				err := wsjson.Write(wctx, conn, env)
				wcancel()
				if err != nil {
					return err
				}
			case <-ping.C:
				pctx, pcancel := context.WithTimeout(gctx, cfg.WriteTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					return err
				}
			}
		}
	})

	// Reader loop
	g.Go(func() error {
		limiter := rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			if !limiter.Allow() {
				p.SendError(protocol.CodeRateLimited, "slow down")
				continue
			}

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
				p.SendError(protocol.CodeBadJSON, "expected {\"type\": ..., \"data\": ...}")
				continue
			}
			d.Handle(gctx, p, env)
		}
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		clog.Debug("connection ended", zap.Error(err))
	}
}
