package bridge

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// hostConn wraps one WebSocket connection from the host instrumentation
// with a buffered send channel and ping/pong keepalive.
type hostConn struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
	done   chan struct{}
}

func newHostConn(conn *websocket.Conn, logger *slog.Logger) *hostConn {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &hostConn{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// sendFrame queues a frame for delivery. Non-blocking: when the buffer is
// full the frame is dropped with a warning.
func (c *hostConn) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrHostDisconnected
	default:
		c.logger.Warn("bridge send buffer full, dropping frame", "type", f.Type)
		return nil
	}
}

// writePump pumps queued frames to the connection and keeps it alive with
// pings. Runs in its own goroutine; exits when the connection closes.
func (c *hostConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readFrame reads one frame from the connection.
func (c *hostConn) readFrame() (*frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *hostConn) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
}
