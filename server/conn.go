package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/pproffd"
	"github.com/gorilla/websocket"

	"github.com/anacrolix/wstracker/tracker"
	"github.com/anacrolix/wstracker/webtorrent"
)

const (
	// Outbound messages waiting for the writer. A peer that lets this fill up is dropped.
	sendQueueLen = 256
	writeTimeout = 10 * time.Second
)

// A peer's WebSocket. The reader runs on the HTTP handler goroutine and feeds the tracker. Everything
// written to the socket, other than close frames, goes through the writer goroutine.
type conn struct {
	ws     *websocket.Conn
	closer pproffd.CloseWrapper
	tc     *tracker.Conn
	logger log.Logger
	remote string

	idleTimeout time.Duration
	send        chan []byte
	// Set when the socket should be closed without flushing.
	closed chansync.SetOnce
	// Set when the reader has finished and disconnected from the tracker. The writer flushes
	// what's queued and then closes.
	readDone chansync.SetOnce
	// Closed when the writer returns.
	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, idleTimeout time.Duration, logger log.Logger) *conn {
	c := &conn{
		ws:          ws,
		closer:      pproffd.NewCloseWrapper(ws),
		logger:      logger,
		remote:      ws.RemoteAddr().String(),
		idleTimeout: idleTimeout,
		send:        make(chan []byte, sendQueueLen),
		writerDone:  make(chan struct{}),
	}
	c.tc = tracker.NewConn(c)
	return c
}

// Send queues msg for writing. The tracker calls this with its lock held.
func (c *conn) Send(msg any) {
	if c.closed.IsSet() {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	select {
	case c.send <- b:
	default:
		metrics.Add("send queue overflows", 1)
		c.logger.Levelf(log.Debug, "%v: send queue full", c.remote)
		c.abort()
	}
}

// Closes the socket without a close frame. The writer may hold the write lock on a stalled peer, and
// callers of Send hold the tracker lock.
func (c *conn) abort() {
	if c.closed.Set() {
		c.closer.Close()
	}
}

// Sends a close frame and closes the socket. Queued messages are discarded. This can block for a
// second on the write lock, so it must not be called from Send.
func (c *conn) close() {
	if !c.closed.Set() {
		return
	}
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.closer.Close()
}

func (c *conn) refreshReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// Reads messages until the socket fails or the peer breaks the protocol.
func (c *conn) readLoop(ctx context.Context, tr *tracker.Tracker) error {
	c.ws.SetPongHandler(func(string) error {
		return c.refreshReadDeadline()
	})
	c.ws.SetPingHandler(func(appData string) error {
		c.refreshReadDeadline()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		if err := c.refreshReadDeadline(); err != nil {
			return err
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		var msg webtorrent.Message
		err = json.Unmarshal(data, &msg)
		if err != nil {
			metrics.Add("undecodable messages", 1)
			return fmt.Errorf("decoding message: %w", err)
		}
		c.logger.Levelf(log.Debug, "%v: received %q", c.remote, data)
		err = tr.ProcessMessage(ctx, msg, c.tc)
		if err != nil {
			return fmt.Errorf("processing message: %w", err)
		}
	}
}

func (c *conn) writer(pingInterval time.Duration) {
	defer close(c.writerDone)
	defer c.close()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				c.logger.Levelf(log.Debug, "%v: error writing: %v", c.remote, err)
				return
			}
		case <-ping.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		case <-c.readDone.Done():
			c.flush()
			return
		case <-c.closed.Done():
			return
		}
	}
}

func (c *conn) write(b []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Writes whatever is already queued.
func (c *conn) flush() {
	for {
		select {
		case b := <-c.send:
			if c.write(b) != nil {
				return
			}
		default:
			return
		}
	}
}
