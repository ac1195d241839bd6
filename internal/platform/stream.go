package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// streamReadLimit caps the size of a single event frame.
	streamReadLimit = 64 * 1024

	// pingPeriod keeps the stream connection alive through proxies.
	pingPeriod = 30 * time.Second

	// writeWait bounds acknowledgement and ping writes.
	writeWait = 10 * time.Second
)

// Stream is one live connection to the platform event stream. It is not safe
// for concurrent Next calls; the transaction listener is its only consumer.
type Stream struct {
	conn   *websocket.Conn
	pinger *time.Ticker
	done   chan struct{}
}

// DialEvents opens the platform event stream. The platform redelivers any
// event that was not acknowledged on a previous connection.
func (c *Client) DialEvents(ctx context.Context) (*Stream, error) {
	endpoint, err := c.streamEndpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dial event stream (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	conn.SetReadLimit(streamReadLimit)

	s := &Stream{
		conn:   conn,
		pinger: time.NewTicker(pingPeriod),
		done:   make(chan struct{}),
	}
	go s.pingLoop()

	c.logger.Info().Str("endpoint", endpoint).Msg("connected to platform event stream")
	return s, nil
}

// Next blocks until the next event arrives or the stream fails. Decode
// failures return ErrMalformedEvent so the caller can distinguish a bad frame
// from a dead connection.
func (s *Stream) Next(ctx context.Context) (TransactionEvent, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	var event TransactionEvent
	if err := s.conn.ReadJSON(&event); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return TransactionEvent{}, fmt.Errorf("event stream closed: %w", err)
		}
		if _, ok := err.(*websocket.CloseError); ok {
			return TransactionEvent{}, fmt.Errorf("event stream closed: %w", err)
		}
		if isDecodeError(err) {
			return TransactionEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return TransactionEvent{}, fmt.Errorf("read event: %w", err)
	}
	return event, nil
}

// Ack acknowledges an event. The platform only marks an event delivered once
// acknowledged; unacknowledged events are redelivered after reconnect.
func (s *Stream) Ack(id uuid.UUID) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(map[string]string{"ack": id.String()}); err != nil {
		return fmt.Errorf("acknowledge event %s: %w", id, err)
	}
	return nil
}

// Close terminates the stream connection.
func (s *Stream) Close() error {
	close(s.done)
	s.pinger.Stop()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return s.conn.Close()
}

func (s *Stream) pingLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.pinger.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// isDecodeError reports whether the error came from JSON decoding rather than
// the connection itself. ReadJSON surfaces encoding/json errors unchanged.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
