package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/frame"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/metrics"
	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 << 10
	sendBufferSize = 256
)

// wsConnection is the part of *websocket.Conn the pumps use.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Client is one websocket session. Frames are handled on its read goroutine; only the
// write goroutine touches the connection for writing.
type Client struct {
	hub          *Hub
	conn         wsConnection
	send         chan []byte
	quit         chan struct{}
	quitOnce     sync.Once
	upgradeToken string

	mu   sync.RWMutex
	user types.UserID
	name string
	subs map[string]types.Topic
}

func newClient(h *Hub, conn wsConnection, upgradeToken string) *Client {
	return &Client{
		hub:          h,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		quit:         make(chan struct{}),
		upgradeToken: upgradeToken,
		subs:         make(map[string]types.Topic),
	}
}

// User returns the authenticated user, empty before CONNECT.
func (c *Client) User() types.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// DisplayName returns the name resolved at CONNECT.
func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) bind(user types.UserID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
	c.name = name
}

func (c *Client) subscribe(id string, topic types.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id] = topic
}

func (c *Client) unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

// subscriptionsFor lists subscription ids bound to topic.
func (c *Client) subscriptionsFor(topic types.Topic) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, t := range c.subs {
		if t == topic {
			ids = append(ids, id)
		}
	}
	return ids
}

// close asks the write pump to flush, say goodbye and close the connection.
func (c *Client) close() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// sendFrame queues f. A full buffer drops the frame rather than stalling the router.
func (c *Client) sendFrame(f frame.Frame) bool {
	data, err := frame.Encode(f)
	if err != nil {
		logging.GetLogger().Error("Failed to encode frame", zap.Error(err))
		return false
	}
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		logging.GetLogger().Warn("Client send buffer full", zap.String("user", string(c.User())))
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		metrics.DecConnection()
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.connectTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.GetLogger().Debug("Websocket closed", zap.String("user", string(c.User())), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		f, err := frame.Decode(data)
		if err != nil {
			metrics.BrokerFrames.WithLabelValues("INVALID", "rejected").Inc()
			c.sendFrame(frame.Error("invalid frame"))
			continue
		}
		if !c.hub.handleFrame(c, f) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.pumps.Done()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.quit:
			c.drain()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before close, such as a final ERROR.
func (c *Client) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
