package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	websocketReadLimit      = 64 * 1024
	websocketControlTimeout = 5 * time.Second
)

var errChannelNotAccepted = errors.New("websocket channel not accepted")

type websocketChannel struct {
	writer   http.ResponseWriter
	request  *http.Request
	upgrader *websocket.Upgrader

	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWebSocketChannel(writer http.ResponseWriter, request *http.Request, upgrader *websocket.Upgrader) *websocketChannel {
	return &websocketChannel{
		writer:   writer,
		request:  request,
		upgrader: upgrader,
		done:     make(chan struct{}),
	}
}

func (c *websocketChannel) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := c.upgrader.Upgrade(c.writer, c.request, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *websocketChannel) Send(ctx context.Context, message any) error {
	if c.conn == nil {
		return errChannelNotAccepted
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRealtimeWriteTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(message)
}

func (c *websocketChannel) Done() <-chan struct{} {
	return c.done
}

// serve discards client frames until the peer goes away.
func (c *websocketChannel) serve(pingInterval time.Duration) {
	if c.conn == nil {
		c.markClosed()
		return
	}
	pongWait := 2 * pingInterval
	c.conn.SetReadLimit(websocketReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.ping(pingInterval)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.markClosed()
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *websocketChannel) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketControlTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.markClosed()
				return
			}
		}
	}
}

func (c *websocketChannel) Close() error {
	c.markClosed()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *websocketChannel) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
