package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// graphql-ws (subscriptions-transport-ws) message types.
const (
	msgConnectionInit  = "connection_init"
	msgConnectionAck   = "connection_ack"
	msgConnectionError = "connection_error"
	msgKeepAlive       = "ka"
	msgStart           = "start"
	msgStop            = "stop"
	msgData            = "data"
	msgError           = "error"
	msgComplete        = "complete"
	msgTerminate       = "connection_terminate"
)

const (
	subprotocol    = "graphql-ws"
	wsReadLimit    = 1 << 20
	ackTimeout     = 10 * time.Second
	eventBufferLen = 16
)

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one result pushed by the server.
type Event struct {
	Data   json.RawMessage
	Errors Errors
}

// Subscription is a running GraphQL subscription. Events are delivered until
// the server completes the operation, an error occurs, or Stop is called.
type Subscription struct {
	id     string
	conn   *websocket.Conn
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger

	mu       sync.Mutex
	err      error
	once     sync.Once
	stopping atomic.Bool
}

// connectionError is a connection_error frame from the server.
type connectionError struct {
	payload string
}

func (e *connectionError) Error() string {
	return "subscription rejected: " + e.payload
}

func (e *connectionError) tokenRejected() bool {
	return strings.Contains(e.payload, CodeInvalidJWT) || strings.Contains(e.payload, "JWTExpired")
}

// Subscribe opens a websocket to the subscription endpoint and starts req.
// A connection refused because of an expired token is retried once after a
// refresh, the same way Do handles invalid-jwt.
func (c *Client) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	token, _ := c.session.AccessToken()

	conn, err := c.connect(ctx, token)
	var cerr *connectionError
	if errors.As(err, &cerr) && cerr.tokenRejected() {
		c.log.Debug("subscription rejected the token, refreshing")
		if token, err = c.renew(ctx, token); err != nil {
			return nil, err
		}
		conn, err = c.connect(ctx, token)
		if errors.As(err, &cerr) && cerr.tokenRejected() {
			return nil, c.unauthenticated(cerr)
		}
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	id := uuid.NewString()
	if err := wsjson.Write(ctx, conn, message{ID: id, Type: msgStart, Payload: payload}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("failed to start subscription: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		id:     id,
		conn:   conn,
		events: make(chan Event, eventBufferLen),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    c.log.With(slog.String("subscription", id)),
	}
	go sub.readLoop(readCtx)

	sub.log.Debug("subscription started")
	return sub, nil
}

// connect dials and completes the connection_init handshake.
func (c *Client) connect(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	values := c.headerValues(token)
	for k, v := range values {
		header.Set(k, v)
	}

	conn, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.wsURL, err)
	}
	conn.SetReadLimit(wsReadLimit)

	initPayload, err := json.Marshal(map[string]any{"headers": values})
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, message{Type: msgConnectionInit, Payload: initPayload}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("failed to initialise connection: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	for {
		var msg message
		if err := wsjson.Read(ackCtx, conn, &msg); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("waiting for connection_ack: %w", err)
		}
		switch msg.Type {
		case msgConnectionAck:
			return conn, nil
		case msgKeepAlive:
			continue
		case msgConnectionError:
			conn.Close(websocket.StatusPolicyViolation, "connection rejected")
			return nil, &connectionError{payload: string(msg.Payload)}
		default:
			conn.CloseNow()
			return nil, fmt.Errorf("unexpected %q before connection_ack", msg.Type)
		}
	}
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		var msg message
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			if ctx.Err() == nil && !s.stopping.Load() &&
				websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("subscription read failed: %w", err))
			}
			return
		}
		if msg.ID != "" && msg.ID != s.id {
			continue
		}

		switch msg.Type {
		case msgKeepAlive:
		case msgData:
			var resp response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				s.setErr(fmt.Errorf("failed to parse subscription data: %w", err))
				return
			}
			select {
			case s.events <- Event{Data: resp.Data, Errors: resp.Errors}:
			case <-ctx.Done():
				return
			}
		case msgError:
			s.setErr(parseErrorPayload(msg.Payload))
			return
		case msgComplete:
			s.log.Debug("subscription completed by server")
			return
		case msgConnectionError:
			s.setErr(&connectionError{payload: string(msg.Payload)})
			return
		default:
			s.log.Debug("ignoring subscription message", slog.String("type", msg.Type))
		}
	}
}

// parseErrorPayload accepts both an errors array and a single error object.
func parseErrorPayload(raw json.RawMessage) error {
	var list Errors
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list
	}
	var one Error
	if err := json.Unmarshal(raw, &one); err == nil && one.Message != "" {
		return Errors{one}
	}
	return fmt.Errorf("subscription error: %s", string(raw))
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// ID returns the operation id sent in the start frame.
func (s *Subscription) ID() string { return s.id }

// Events returns the channel results are delivered on. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the read loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the operation and closes the connection. It is safe to call more
// than once.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.stopping.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = wsjson.Write(ctx, s.conn, message{ID: s.id, Type: msgStop})
		_ = wsjson.Write(ctx, s.conn, message{Type: msgTerminate})
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "stop")
		<-s.done
	})
}
