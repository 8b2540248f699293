package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is an observer connection from the Go side, used by the watch
// command and tests.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Dial connects to a telemetry endpoint such as ws://host:8085/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Frame is one decoded server message. Exactly one of State and Error is
// set.
type Frame struct {
	State *Snapshot
	Error string
}

// Next blocks for the next server frame. Transport failures are reported
// as ErrConnectionLost.
func (c *Client) Next() (Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, errors.Join(ErrConnectionLost, err)
	}
	var head struct {
		Type    string `json:"type"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if head.Version != Version {
		return Frame{}, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, head.Version)
	}
	switch head.Type {
	case TypeState:
		var m StateMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return Frame{State: &m.Snapshot}, nil
	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return Frame{Error: m.Error}, nil
	}
	return Frame{}, fmt.Errorf("%w: unsupported message type %q", ErrBadFrame, head.Type)
}

// SendTarget streams a manual target in the text form.
func (c *Client) SendTarget(coax, cross int) error {
	return c.SendRaw(fmt.Sprintf("%d %d", coax, cross))
}

// SendRaw writes a text frame as is.
func (c *Client) SendRaw(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return errors.Join(ErrConnectionLost, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
