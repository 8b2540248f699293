package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/positioning.control/internal/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 4 * 1024
	errorQueueSize = 8
)

// TargetSink accepts manual targets streamed by observers.
type TargetSink interface {
	SubmitTarget(coax, cross int) error
}

// Handler serves the duplex telemetry channel: state frames out, manual
// target frames in.
type Handler struct {
	broadcaster *Broadcaster
	targets     TargetSink
	upgrader    websocket.Upgrader
}

// NewHandler serves snapshots from b and forwards targets to sink.
func NewHandler(b *Broadcaster, sink TargetSink) *Handler {
	return &Handler{
		broadcaster: b,
		targets:     sink,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // console is served from a different port in development
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("telemetry: websocket upgrade error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &observer{
		conn:    conn,
		updates: h.broadcaster.Subscribe(ctx),
		errs:    make(chan ErrorMessage, errorQueueSize),
		done:    make(chan struct{}),
	}
	monitoring.Debugf("telemetry: observer %s connected", r.RemoteAddr)

	go func() {
		o.writePump()
		cancel()
		conn.Close()
	}()
	err = o.readPump(h.targets)
	cancel()
	close(o.done)
	conn.Close()
	monitoring.Debugf("telemetry: observer %s gone: %v", r.RemoteAddr, err)
}

type observer struct {
	conn    *websocket.Conn
	updates <-chan Snapshot
	errs    chan ErrorMessage
	done    chan struct{}
}

// readPump handles target frames until the connection drops. It always
// returns a non-nil error wrapping ErrConnectionLost.
func (o *observer) readPump(sink TargetSink) error {
	o.conn.SetReadLimit(maxFrameSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, frame, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				monitoring.Logf("telemetry: websocket read error: %v", err)
			}
			return errors.Join(ErrConnectionLost, err)
		}
		if kind != websocket.TextMessage {
			o.reject(errors.New("binary frames are not supported"))
			continue
		}
		coax, cross, err := ParseTarget(frame)
		if err != nil {
			o.reject(err)
			continue
		}
		if err := sink.SubmitTarget(coax, cross); err != nil {
			o.reject(err)
		}
	}
}

func (o *observer) reject(err error) {
	select {
	case o.errs <- NewErrorMessage(err):
	default:
		monitoring.Debugf("telemetry: dropping error frame: %v", err)
	}
}

// writePump is the only writer on the connection.
func (o *observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-o.updates:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteJSON(NewStateMessage(s)); err != nil {
				monitoring.Debugf("telemetry: websocket write error: %v", err)
				return
			}
		case m := <-o.errs:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-o.done:
			return
		}
	}
}
