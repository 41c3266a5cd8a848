package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/hub"
	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/gorilla/websocket"
)

const (
	outgoing   = 256
	writeWait  = 10 * time.Second
	maxMessage = 64 << 10
)

// conn is one client of the event surface. It's the hub sink of all its
// subscriptions, events are written by a single writer goroutine.
type conn struct {
	mx     sync.Mutex
	out    chan model.Event
	closed bool
	subs   map[string]struct{}
}

func (c *conn) Send(ev model.Event) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.sendLocked(ev)
}

func (c *conn) sendLocked(ev model.Event) error {
	if c.closed {
		return hub.ErrSinkClosed
	}
	select {
	case c.out <- ev:
		return nil
	default:
		return hub.ErrSinkFull
	}
}

func (c *conn) close() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed = true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(s.opts.AllowedOrigins, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host)
	})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		slog.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		out:  make(chan model.Event, outgoing),
		subs: make(map[string]struct{}),
	}
	slog.DebugContext(ctx, "websocket connected", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Go(func() {
		defer cancel()
		s.write(ctx, ws, c)
	})

	s.read(ctx, ws, c)
	cancel()
	wg.Wait()

	c.close()
	c.mx.Lock()
	for id := range c.subs {
		s.Hub.Unsubscribe(id)
	}
	c.mx.Unlock()
	_ = ws.Close()
	slog.DebugContext(ctx, "websocket disconnected", "remote", r.RemoteAddr)
}

// write sends queued events and pings the client until ctx is done.
func (s *Server) write(ctx context.Context, ws *websocket.Conn, c *conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-c.out:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				slog.DebugContext(ctx, "websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.DebugContext(ctx, "websocket ping failed", "error", err)
				return
			}
		}
	}
}

// read handles client messages until the connection fails. A malformed
// message is answered with an error event, the connection stays open.
func (s *Server) read(ctx context.Context, ws *websocket.Conn, c *conn) {
	ws.SetReadLimit(maxMessage)
	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				slog.DebugContext(ctx, "websocket read failed", "error", err)
			}
			return
		}
		extend()
		if typ != websocket.TextMessage {
			s.replyError(c, "expected a text message with a JSON event")
			continue
		}
		var msg model.Event
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(c, "malformed message: "+err.Error())
			continue
		}
		if err := s.handle(c, msg); err != nil {
			s.replyError(c, err.Error())
		}
	}
}

func (s *Server) handle(c *conn, msg model.Event) error {
	switch msg.Type {
	case model.EventSubscribe:
		topic, err := hub.ParseTopic(msg.Topic)
		if err != nil {
			return err
		}
		// the ack is queued before any event of the new subscription
		c.mx.Lock()
		defer c.mx.Unlock()
		id := s.Hub.Subscribe(topic, c)
		c.subs[id] = struct{}{}
		return c.sendLocked(model.Event{
			Type:           model.EventAck,
			Topic:          string(topic),
			SubscriptionID: id,
			Timestamp:      s.now(),
		})
	case model.EventUnsubscribe:
		c.mx.Lock()
		defer c.mx.Unlock()
		if _, ok := c.subs[msg.SubscriptionID]; !ok {
			return errors.New("unknown subscription " + msg.SubscriptionID)
		}
		delete(c.subs, msg.SubscriptionID)
		s.Hub.Unsubscribe(msg.SubscriptionID)
		return c.sendLocked(model.Event{
			Type:           model.EventAck,
			SubscriptionID: msg.SubscriptionID,
			Timestamp:      s.now(),
		})
	case model.EventPing:
		return c.Send(model.Event{Type: model.EventPong, Timestamp: s.now()})
	case "":
		return errors.New("message type is missing")
	default:
		return errors.New("unsupported message type " + string(msg.Type))
	}
}

func (s *Server) replyError(c *conn, detail string) {
	if err := c.Send(model.ErrorEvent(detail, s.now())); err != nil {
		slog.Debug("websocket error event dropped", "detail", detail, "error", err)
	}
}
