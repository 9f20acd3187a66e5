package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/signcast/host/internal/errors"
	"github.com/signcast/host/internal/pairing"
	"github.com/signcast/host/internal/protocol"
)

// Client is one device socket. It is the pairing.Transport for its connection.
type Client struct {
	server *Server
	conn   *websocket.Conn
	remote string
	pc     *pairing.Connection

	send chan protocol.Event

	// closing asks writePump to flush and send a close frame.
	closing   chan struct{}
	closeOnce sync.Once

	// done is closed once the socket is unusable.
	done     chan struct{}
	doneOnce sync.Once

	frames *rate.Limiter
}

func newClient(s *Server, conn *websocket.Conn, remote string) *Client {
	return &Client{
		server:  s,
		conn:    conn,
		remote:  remote,
		send:    make(chan protocol.Event, channelBufferSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		frames:  rate.NewLimiter(frameRate, frameBurst),
	}
}

var errClientClosed = apperrors.New(apperrors.CodeServerSendFailed, "connection closed")

// Send queues e without blocking.
func (c *Client) Send(e protocol.Event) error {
	select {
	case <-c.done:
		return errClientClosed
	case <-c.closing:
		return errClientClosed
	default:
	}

	select {
	case c.send <- e:
		return nil
	default:
		return apperrors.New(apperrors.CodeServerSendFailed, "send buffer full")
	}
}

// Close flushes whatever is queued, then closes the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return nil
}

func (c *Client) RemoteAddr() string {
	return c.remote
}

// stop marks the socket unusable. Safe to call more than once.
func (c *Client) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) write(e protocol.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("server: failed to marshal %s event: %v", e.Action, err)
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) writeClose() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// writePump owns all writes to the socket, including pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.writeClose()
			return

		case <-c.closing:
		drain:
			for {
				select {
				case e := <-c.send:
					if err := c.write(e); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.writeClose()
			return

		case e := <-c.send:
			if err := c.write(e); err != nil {
				log.Printf("server: write to %s failed: %v", c.remote, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds device frames to the lifecycle until the socket closes, then
// reports the disconnect.
func (c *Client) readPump() {
	defer func() {
		c.server.lc.Disconnect(c.pc)
		c.stop()
		c.conn.Close()
		c.server.removeClient(c)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read from %s: %v", c.remote, err)
			}
			return
		}

		// Over-limit frames are dropped like any other invalid frame.
		if !c.frames.Allow() {
			continue
		}
		c.server.lc.HandleMessage(c.server.ctx, c.pc, data)
	}
}
