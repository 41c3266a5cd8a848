package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Fabsim/internal/model"
	"github.com/gorilla/websocket"
)

// Subscription streams the events of one topic.
type Subscription struct {
	ID string

	ws     *websocket.Conn
	events chan model.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

// Subscribe opens the event surface and subscribes to topic, e.g.
// "task:<id>" or "global-status". It returns once the server acknowledged
// the subscription.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	const op = "subscribe"
	u := *c.base
	u.Path = c.base.Path + apiPath + "/ws"
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		e := &Error{Op: op, Err: err}
		if resp != nil {
			e.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, e
	}
	_ = resp.Body.Close()

	if err := ws.WriteJSON(model.Event{Type: model.EventSubscribe, Topic: topic}); err != nil {
		_ = ws.Close()
		return nil, &Error{Op: op, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var ack model.Event
	if err := ws.ReadJSON(&ack); err != nil {
		_ = ws.Close()
		return nil, &Error{Op: op, Err: err}
	}
	_ = ws.SetReadDeadline(time.Time{})
	switch ack.Type {
	case model.EventAck:
	case model.EventError:
		_ = ws.Close()
		return nil, &Error{Op: op, Err: errors.New(ack.Detail)}
	default:
		_ = ws.Close()
		return nil, &Error{Op: op, Err: fmt.Errorf("expected %s, got %s", model.EventAck, ack.Type)}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ID:     ack.SubscriptionID,
		ws:     ws,
		events: make(chan model.Event, 64),
		cancel: cancel,
	}
	// unblock the reader
	stop := context.AfterFunc(ctx, func() {
		_ = ws.Close()
	})
	s.wg.Go(func() {
		defer stop()
		defer func() { _ = ws.Close() }()
		defer close(s.events)
		for {
			var ev model.Event
			if err := ws.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.err = &Error{Op: "receive event", Err: err}
				}
				return
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	})
	return s, nil
}

// Events returns the received events, the channel is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan model.Event {
	return s.events
}

// Err returns the error which ended the subscription, if any. It's valid
// once Events is closed.
func (s *Subscription) Err() error {
	return s.err
}

func (s *Subscription) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
