package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/scholarbase/livewire/common"
	"github.com/scholarbase/livewire/fabric"
)

// ConnState is the client connection state
type ConnState int

// Client connection states
const (
	// StateDisconnected no session, and none wanted. Initial state, and the
	// terminal state after an explicit Stop.
	StateDisconnected ConnState = iota
	// StateConnecting a transport handshake is in progress
	StateConnecting
	// StateConnected a session is established
	StateConnected
	// StateReconnecting waiting out the delay before the next attempt
	StateReconnecting
	// StateOffline the retry budget is exhausted. Terminal until a new Start.
	StateOffline
)

// String the printable name of the state
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateOffline:
		return "OFFLINE"
	}
	return "UNKNOWN"
}

// ReconnectConfig defines reconnect parameters
type ReconnectConfig struct {
	// MaxAttempts sets the max number of consecutive failed connection
	// attempts before the client gives up and goes offline
	MaxAttempts int `validate:"required,gte=1"`
	// InitialWait is the delay before the first reconnect attempt. Each
	// further attempt doubles the delay up to MaxWait.
	InitialWait time.Duration `validate:"required,gt=0"`
	// MaxWait caps the growing reconnect delay
	MaxWait time.Duration `validate:"required,gtefield=InitialWait"`
}

// Config defines parameters for connecting to a fabric stream endpoint
type Config struct {
	// TargetURL is the stream endpoint URL, e.g. ws://localhost:3000/v1/stream
	TargetURL string `validate:"required,uri"`
	// HandshakeTimeout is the max duration for the transport handshake
	HandshakeTimeout time.Duration `validate:"required,gt=0"`
	// Reconnect defines reconnect parameters
	Reconnect ReconnectConfig `validate:"required,dive"`
}

// DefaultConfig a config for the given stream endpoint with standard
// reconnect parameters
func DefaultConfig(targetURL string) Config {
	return Config{
		TargetURL:        targetURL,
		HandshakeTimeout: time.Second * 10,
		Reconnect: ReconnectConfig{
			MaxAttempts: 8,
			InitialWait: time.Millisecond * 500,
			MaxWait:     time.Second * 15,
		},
	}
}

// EventCallback invoked for each notification event received
type EventCallback func(event fabric.Event)

// StateCallback invoked on each connection state transition
type StateCallback func(state ConnState)

// StreamClient maintains one WebSocket session against a fabric stream
// endpoint, transparently re-establishing the session and replaying the held
// subscription set after unexpected disconnects.
type StreamClient interface {
	// Start begin connecting. Callbacks must be registered before calling.
	Start() error
	// Stop deliberately end the session. No automatic reconnection follows.
	Stop()
	// Subscribe adds channels to the held subscription set, and requests them
	// from the server when connected. While not connected the request itself
	// is dropped with a local warning; the held set is still replayed on the
	// next successful connect.
	Subscribe(channels []string) error
	// Unsubscribe is the inverse of Subscribe
	Unsubscribe(channels []string) error
	// IsConnected whether a session is currently established
	IsConnected() bool
	// State the current connection state
	State() ConnState
	// SetEventCallback register the incoming event callback
	SetEventCallback(cb EventCallback)
	// SetStateCallback register the state transition callback
	SetStateCallback(cb StateCallback)
}

// streamClientImpl implements StreamClient
type streamClientImpl struct {
	common.Component
	config           Config
	dialer           *websocket.Dialer
	wg               *sync.WaitGroup
	rootContext      context.Context
	operationContext context.Context
	contextCancel    context.CancelFunc
	lock             sync.Mutex
	state            ConnState
	ws               *websocket.Conn
	subscriptions    map[string]bool
	eventCB          EventCallback
	stateCB          StateCallback
}

// DefineStreamClient create new fabric stream client
func DefineStreamClient(
	config Config, rootCtxt context.Context, wg *sync.WaitGroup,
) (StreamClient, error) {
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "client", "component": "stream-client", "target": config.TargetURL,
	}
	return &streamClientImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		wg:            wg,
		rootContext:   rootCtxt,
		state:         StateDisconnected,
		subscriptions: make(map[string]bool),
	}, nil
}

// SetEventCallback register the incoming event callback
func (c *streamClientImpl) SetEventCallback(cb EventCallback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.eventCB = cb
}

// SetStateCallback register the state transition callback
func (c *streamClientImpl) SetStateCallback(cb StateCallback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stateCB = cb
}

// State the current connection state
func (c *streamClientImpl) State() ConnState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// IsConnected whether a session is currently established
func (c *streamClientImpl) IsConnected() bool {
	return c.State() == StateConnected
}

// setState record a state transition and notify the observer
func (c *streamClientImpl) setState(newState ConnState) {
	c.lock.Lock()
	if c.state == newState {
		c.lock.Unlock()
		return
	}
	c.state = newState
	observer := c.stateCB
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof("Connection state now %s", newState)
	if observer != nil {
		observer(newState)
	}
}

// Start begin connecting
func (c *streamClientImpl) Start() error {
	c.lock.Lock()
	if c.operationContext != nil && c.operationContext.Err() == nil {
		c.lock.Unlock()
		return fmt.Errorf("client already started")
	}
	ctxt, cancel := context.WithCancel(c.rootContext)
	c.operationContext = ctxt
	c.contextCancel = cancel
	c.lock.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sessionLoop(ctxt)
	}()
	return nil
}

// Stop deliberately end the session
func (c *streamClientImpl) Stop() {
	c.lock.Lock()
	cancel := c.contextCancel
	ws := c.ws
	c.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		// Unblocks the session read loop
		_ = ws.Close()
	}
}

// sessionLoop the connection management state machine. A single loop with a
// capped growing delay, rather than rescheduling itself on each failure.
func (c *streamClientImpl) sessionLoop(ctxt context.Context) {
	attempts := 0
	delay := c.config.Reconnect.InitialWait
	for {
		if ctxt.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.setState(StateConnecting)
		ws, resp, err := c.dialer.DialContext(ctxt, c.config.TargetURL, nil)
		if err != nil {
			if resp != nil {
				_ = resp.Body.Close()
			}
			if ctxt.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			attempts++
			log.WithError(err).WithFields(c.LogTags).Warnf(
				"Connection attempt %d/%d failed",
				attempts, c.config.Reconnect.MaxAttempts,
			)
			if attempts >= c.config.Reconnect.MaxAttempts {
				log.WithFields(c.LogTags).Error("Retry budget exhausted, going offline")
				// Release the session context before the state becomes visible,
				// so a Start reacting to the transition is accepted
				c.lock.Lock()
				cancel := c.contextCancel
				c.lock.Unlock()
				if cancel != nil {
					cancel()
				}
				c.setState(StateOffline)
				return
			}
			c.setState(StateReconnecting)
			if !c.waitBeforeRetry(ctxt, delay) {
				c.setState(StateDisconnected)
				return
			}
			delay = c.nextWait(delay)
			continue
		}

		attempts = 0
		delay = c.config.Reconnect.InitialWait
		c.lock.Lock()
		c.ws = ws
		c.lock.Unlock()
		c.setState(StateConnected)
		c.replaySubscriptions()

		c.readLoop(ws)

		c.lock.Lock()
		c.ws = nil
		c.lock.Unlock()
		_ = ws.Close()

		if ctxt.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		attempts++
		c.setState(StateReconnecting)
		if !c.waitBeforeRetry(ctxt, delay) {
			c.setState(StateDisconnected)
			return
		}
		delay = c.nextWait(delay)
	}
}

// waitBeforeRetry sleep out the reconnect delay. Returns false if the client
// was stopped while waiting.
func (c *streamClientImpl) waitBeforeRetry(ctxt context.Context, delay time.Duration) bool {
	select {
	case <-ctxt.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// nextWait the delay before the attempt after this one
func (c *streamClientImpl) nextWait(current time.Duration) time.Duration {
	next := current * 2
	if next > c.config.Reconnect.MaxWait {
		next = c.config.Reconnect.MaxWait
	}
	return next
}

// readLoop consume events off the session until the transport closes. Parse
// failures are per-message and never end the session.
func (c *streamClientImpl) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Info("Session ended")
			return
		}
		var event fabric.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Dropping malformed event")
			continue
		}
		c.lock.Lock()
		observer := c.eventCB
		c.lock.Unlock()
		if observer != nil {
			observer(event)
		}
	}
}

// replaySubscriptions re-request the held subscription set after a connect
func (c *streamClientImpl) replaySubscriptions() {
	c.lock.Lock()
	channels := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		channels = append(channels, channel)
	}
	c.lock.Unlock()
	if len(channels) == 0 {
		return
	}
	if err := c.sendControl(fabric.ControlSubscribe, channels); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Subscription replay failed")
	}
}

// Subscribe adds channels to the held subscription set
func (c *streamClientImpl) Subscribe(channels []string) error {
	c.lock.Lock()
	for _, channel := range channels {
		c.subscriptions[channel] = true
	}
	c.lock.Unlock()
	return c.sendControl(fabric.ControlSubscribe, channels)
}

// Unsubscribe is the inverse of Subscribe
func (c *streamClientImpl) Unsubscribe(channels []string) error {
	c.lock.Lock()
	for _, channel := range channels {
		delete(c.subscriptions, channel)
	}
	c.lock.Unlock()
	return c.sendControl(fabric.ControlUnsubscribe, channels)
}

// sendControl transmit one control message if connected. Not-connected sends
// are dropped with a local warning; the caller's held set is replayed once a
// session is re-established.
func (c *streamClientImpl) sendControl(msgType string, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateConnected || c.ws == nil {
		log.WithFields(c.LogTags).Warnf(
			"Not connected, dropping %s for %v", msgType, channels,
		)
		return nil
	}
	msg := fabric.ControlMessage{Type: msgType, Channels: channels}
	if err := c.ws.WriteJSON(&msg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to send %s", msgType)
		return err
	}
	return nil
}
