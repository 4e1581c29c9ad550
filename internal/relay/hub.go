package relay

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/internal/auth"
	"chatrelay/internal/metrics"
)

// HubOptions tunes connection admission. TurnRate is the sustained number of
// utterances per second allowed on one connection (zero disables limiting);
// an empty AllowedOrigins admits same-origin browser pages only.
type HubOptions struct {
	TurnRate       float64
	TurnBurst      int
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

// Hub upgrades authenticated requests and tracks the open connections.
type Hub struct {
	relay    *Relay
	upgrader websocket.Upgrader
	opts     HubOptions

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup

	logger *slog.Logger
}

func NewHub(r *Relay, opts HubOptions) *Hub {
	h := &Hub{
		relay:  r,
		opts:   opts,
		conns:  make(map[*Conn]struct{}),
		logger: slog.Default().With("module", "socket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin admits requests without an Origin header (non-browser clients),
// origins on the allow list, and, when the list is empty, same-origin pages only.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.opts.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// Accept upgrades the request of an already authenticated identity and
// serves the connection until it closes. The gorilla upgrader writes the
// HTTP error itself when the upgrade fails.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, id *auth.Identity) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "err", err)
		return err
	}
	conn := newConn(ws, id, h.relay, h.newLimiter())
	h.add(conn)
	defer h.remove(conn)
	conn.Serve(ctx)
	return nil
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.opts.TurnRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.TurnBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.TurnRate), burst)
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	h.opts.Metrics.ConnOpened()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.wg.Done()
	}
	h.mu.Unlock()
	h.opts.Metrics.ConnClosed()
}

// Len reports the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseFingerprint closes every connection authenticated with the token
// whose fingerprint is fp and reports how many were closed.
func (h *Hub) CloseFingerprint(fp string) int {
	h.mu.Lock()
	var targets []*Conn
	for c := range h.conns {
		if c.fingerprint == fp {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.closeWith(CloseRevoked, "token revoked")
	}
	if len(targets) > 0 {
		h.logger.Info("closed sockets of revoked token", "count", len(targets))
	}
	return len(targets)
}

// ListenRevocations closes sockets whose token shows up on feed. It blocks
// until ctx is done.
func (h *Hub) ListenRevocations(ctx context.Context, feed auth.RevokeFeed) error {
	return feed.Listen(ctx, func(fp string) {
		h.CloseFingerprint(fp)
	})
}

// Shutdown closes every connection and waits for their turns to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
