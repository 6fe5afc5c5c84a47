package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/scholarbase/livewire/common"
)

// writeWait max duration allowed for one transport write
const writeWait = time.Second * 10

// WSConnection is one live WebSocket session seen from the server side. The
// write pump is the sole writer on the transport; Deliver only queues into the
// outbound buffer.
type WSConnection struct {
	common.Component
	id           string
	userID       string
	ws           *websocket.Conn
	send         chan Event
	done         chan struct{}
	closeOnce    sync.Once
	createdAt    time.Time
	lastActive   int64
	pingInterval time.Duration
	idleTimeout  time.Duration
}

// DefineWSConnection wrap an upgraded WebSocket in fabric connection state
func DefineWSConnection(
	ws *websocket.Conn,
	userID string,
	sendBufferLen int,
	pingInterval time.Duration,
	idleTimeout time.Duration,
) (*WSConnection, error) {
	if sendBufferLen < 1 {
		return nil, fmt.Errorf("send buffer must hold at least one message")
	}
	connID := uuid.New().String()
	logTags := log.Fields{
		"module": "fabric", "component": "ws-connection", "connection": connID,
	}
	if userID != "" {
		logTags["user"] = userID
	}
	now := time.Now()
	return &WSConnection{
		Component:    common.Component{LogTags: logTags},
		id:           connID,
		userID:       userID,
		ws:           ws,
		send:         make(chan Event, sendBufferLen),
		done:         make(chan struct{}),
		createdAt:    now,
		lastActive:   now.UnixNano(),
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
	}, nil
}

// ID the opaque connection identifier
func (c *WSConnection) ID() string {
	return c.id
}

// UserID the associated user identifier, or "" for anonymous sessions
func (c *WSConnection) UserID() string {
	return c.userID
}

// CreatedAt when the transport handshake completed
func (c *WSConnection) CreatedAt() time.Time {
	return c.createdAt
}

// LastActive the timestamp of the most recent transport activity
func (c *WSConnection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// touch record transport activity
func (c *WSConnection) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// Deliver queue one event for transmission without blocking
func (c *WSConnection) Deliver(event Event) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s already closed", c.id)
	default:
	}
	select {
	case c.send <- event:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// Close tear down the underlying transport. Idempotent.
func (c *WSConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.ws.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Transport close failure")
		}
	})
	return nil
}

// StartWritePump start the goroutine draining the outbound buffer onto the
// transport, interleaved with liveness pings
func (c *WSConnection) StartWritePump(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			_ = c.Close()
		}()
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case event := <-c.send:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(&event); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Event write failure")
					return
				}
			case <-ticker.C:
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.WithError(err).WithFields(c.LogTags).Debug("Ping write failure")
					return
				}
			}
		}
	}()
}

// ReadLoop consume inbound frames until the transport closes, feeding control
// messages into the subscription protocol. Blocks the calling goroutine.
func (c *WSConnection) ReadLoop(protocol SubscriptionProtocol) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Read loop ending")
			return
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		protocol.HandleRawMessage(c.id, raw)
	}
}
