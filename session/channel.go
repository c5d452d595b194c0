package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/padraicbc/raceway/live"
)

// Socket is the concrete Channel over a websocket connection.
type Socket struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex
	events  chan live.Event
	done    chan struct{}
	once    sync.Once
}

// SocketDialer opens websocket channels against the race service.
type SocketDialer struct {
	// URL is the channel endpoint, e.g. wss://raceway.app/ws.
	URL string
	// Token is the bearer credential, passed as a query parameter since
	// websocket handshakes cannot carry an Authorization header from browsers.
	Token string
	Log   *zap.Logger
}

// Dial connects and starts reading inbound events.
func (d *SocketDialer) Dial(ctx context.Context) (Channel, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse channel url: %v", ErrTransport, err)
	}
	q := u.Query()
	q.Set("token", d.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, fmt.Errorf("%w: channel handshake rejected", ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: dial channel: %v", ErrTransport, err)
	}

	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	s := &Socket{
		conn:   conn,
		log:    log,
		events: make(chan live.Event, 16),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events yields inbound events until the connection closes.
func (s *Socket) Events() <-chan live.Event {
	return s.events
}

// Send writes one event to the connection.
func (s *Socket) Send(e live.Event) error {
	raw, err := live.Marshal(e)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrTransport, e.Type(), err)
	}
	return nil
}

// Close releases the connection. Safe to call more than once.
func (s *Socket) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

// readLoop decodes inbound frames into typed events. Unknown event types are
// logged and dropped rather than failing the channel.
func (s *Socket) readLoop() {
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("channel read failed", zap.Error(err))
			}
			return
		}

		e, err := live.Unmarshal(raw)
		if err != nil {
			if errors.Is(err, live.ErrUnknownEvent) {
				s.log.Debug("ignoring unknown channel event", zap.Error(err))
			} else {
				s.log.Warn("bad channel payload", zap.Error(err))
			}
			continue
		}

		select {
		case s.events <- e:
		case <-s.done:
			return
		}
	}
}
