package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatrelay/internal/auth"
	"chatrelay/internal/metrics"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	inboxSize      = 16

	// CloseRevoked is sent when the token behind the connection is revoked.
	CloseRevoked = 4001
)

// Conn is one authenticated persistent connection. Utterances received on it
// are handled strictly one after another.
type Conn struct {
	ws          *websocket.Conn
	identity    *auth.Identity
	fingerprint string
	relay       *Relay
	limiter     *rate.Limiter
	state       atomic.Int32
	writeMu     sync.Mutex
	closeOnce   sync.Once
	logger      *slog.Logger
}

func newConn(ws *websocket.Conn, id *auth.Identity, r *Relay, limiter *rate.Limiter) *Conn {
	return &Conn{
		ws:          ws,
		identity:    id,
		fingerprint: auth.Fingerprint(id.Token),
		relay:       r,
		limiter:     limiter,
		logger:      slog.Default().With("module", "socket", "user_id", id.User.ID),
	}
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Identity returns the principal the connection was opened for.
func (c *Conn) Identity() *auth.Identity {
	return c.identity
}

// Serve reads events until the peer goes away. It returns once any turn in
// progress has finished.
func (c *Conn) Serve(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	c.logger.Info("socket opened")

	inbox := make(chan Utterance, inboxSize)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		c.process(ctx, inbox)
	}()
	stopPing := make(chan struct{})
	go c.pingLoop(stopPing)

	c.readLoop(inbox)

	c.state.Store(int32(StateClosed))
	close(stopPing)
	close(inbox)
	<-processed
	c.closeWith(websocket.CloseNormalClosure, "")
	c.logger.Info("socket closed")
}

func (c *Conn) readLoop(inbox chan<- Utterance) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway {
					c.logger.Debug("socket closed by peer", "err", closeErr)
				}
			} else if c.State() != StateClosed {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.emitError("malformed message", 0, "")
			continue
		}
		switch env.Event {
		case EventMessage:
			var u Utterance
			if err := json.Unmarshal(env.Data, &u); err != nil {
				c.emitError("malformed message", 0, "")
				continue
			}
			if !c.limiter.Allow() {
				c.relay.metrics.Turn(metrics.OutcomeRateLimited)
				c.emitError("too many messages, slow down", int64(u.Chat), u.ClientID)
				continue
			}
			select {
			case inbox <- u:
			default:
				c.emitError("too many pending messages", int64(u.Chat), u.ClientID)
			}
		case "ping":
			_ = c.emit("pong", nil)
		default:
			c.logger.Info("unknown event", "event", env.Event)
		}
	}
}

func (c *Conn) process(ctx context.Context, inbox <-chan Utterance) {
	for u := range inbox {
		if c.State() == StateClosed {
			c.logger.Debug("dropping utterance queued before disconnect", "chat", int64(u.Chat))
			continue
		}
		_ = c.relay.Turn(ctx, c.identity.User.ID, u, c.emit)
	}
}

func (c *Conn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", "err", err)
				return
			}
		}
	}
}

// emit writes one event; safe for concurrent use.
func (c *Conn) emit(event string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = b
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == StateClosed {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(Envelope{Event: event, Data: data})
}

func (c *Conn) emitError(msg string, chat int64, clientID string) {
	if err := c.emit(EventError, ErrorEvent{Message: msg, Chat: chat, ClientID: clientID}); err != nil {
		c.logger.Debug("emit failed", "err", err)
	}
}

// closeWith sends a close frame and tears down the socket. Reading stops,
// which ends Serve.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.state.Store(int32(StateClosed))
		_ = c.ws.Close()
	})
}

var errConnClosed = errors.New("connection closed")
