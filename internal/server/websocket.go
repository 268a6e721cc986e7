package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview/internal/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 32
)

func newUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     allowOrigin(origins),
	}
}

// allowOrigin accepts handshakes without an Origin header, from the server's
// own host, and from the configured CORS origins (the CMS admin).
func allowOrigin(origins []string) func(*http.Request) bool {
	wildcard := slices.Contains(origins, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard || slices.Contains(origins, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

var (
	errClientClosed = errors.New("websocket client closed")
	errSlowClient   = errors.New("websocket client too slow, disconnected")
)

// MessageEnvelope is an inbound socket message.
type MessageEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Outbound message types.
const (
	msgState   = "state"
	msgDevice  = "device"
	msgError   = "error"
	msgWindow  = "window"
	msgPaint   = "paint"
	msgLoad    = "load"
	msgReload  = "reload"
	msgSuspend = "suspend"
	msgResume  = "resume"
)

// Message is an outbound socket message.
type Message struct {
	Type    string           `json:"type"`
	State   string           `json:"state,omitempty"`
	Device  string           `json:"device,omitempty"`
	Message string           `json:"message,omitempty"`
	Open    *bool            `json:"open,omitempty"`
	HTML    string           `json:"html,omitempty"`
	URL     string           `json:"url,omitempty"`
	Reloads int              `json:"reloads,omitempty"`
	Status  *pipeline.Status `json:"status,omitempty"`
}

// wsClient owns the write side of one connection. All writes go through
// send so the connection has a single writer.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newWSClient(conn *websocket.Conn, log zerolog.Logger) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  log,
	}
	go c.writePump()
	return c
}

// sendMessage queues msg without blocking. A client whose buffer is full is
// disconnected.
func (c *wsClient) sendMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn().Str("type", msg.Type).Msg("Send buffer full, closing connection")
		c.close()
		return errSlowClient
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes queued messages before a clean close.
func (c *wsClient) drain() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop reads envelopes until the connection closes, passing each to fn.
func (c *wsClient) readLoop(fn func(MessageEnvelope)) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		var envelope MessageEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.log.Debug().Err(err).Msg("Failed to parse message")
			_ = c.sendMessage(Message{Type: msgError, Message: "invalid message"})
			continue
		}
		fn(envelope)
	}
}
