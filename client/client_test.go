package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/scholarbase/livewire/fabric"
)

func testConfig(targetURL string) Config {
	return Config{
		TargetURL:        targetURL,
		HandshakeTimeout: time.Second,
		Reconnect: ReconnectConfig{
			MaxAttempts: 4,
			InitialWait: time.Millisecond * 10,
			MaxWait:     time.Millisecond * 80,
		},
	}
}

func wsTarget(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamClientConfigValidation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: valid config
	{
		_, err := DefineStreamClient(testConfig("ws://localhost:3000/v1/stream"), ctxt, &wg)
		assert.Nil(err)
	}

	// Case 1: missing target
	{
		cfg := testConfig("")
		_, err := DefineStreamClient(cfg, ctxt, &wg)
		assert.NotNil(err)
	}

	// Case 2: no retry budget
	{
		cfg := testConfig("ws://localhost:3000/v1/stream")
		cfg.Reconnect.MaxAttempts = 0
		_, err := DefineStreamClient(cfg, ctxt, &wg)
		assert.NotNil(err)
	}

	// Case 3: delay cap below initial delay
	{
		cfg := testConfig("ws://localhost:3000/v1/stream")
		cfg.Reconnect.MaxWait = time.Millisecond
		_, err := DefineStreamClient(cfg, ctxt, &wg)
		assert.NotNil(err)
	}

	// Case 4: standard parameters
	{
		_, err := DefineStreamClient(
			DefaultConfig("ws://localhost:3000/v1/stream"), ctxt, &wg,
		)
		assert.Nil(err)
	}
}

func TestStreamClientReconnectDelayGrowth(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineStreamClient(testConfig("ws://localhost:3000/v1/stream"), ctxt, &wg)
	assert.Nil(err)

	// Delays are non-decreasing and capped
	uutc := uut.(*streamClientImpl)
	delay := uutc.config.Reconnect.InitialWait
	previous := delay
	for itr := 0; itr < 8; itr++ {
		delay = uutc.nextWait(delay)
		assert.GreaterOrEqual(delay, previous)
		assert.LessOrEqual(delay, uutc.config.Reconnect.MaxWait)
		previous = delay
	}
	assert.Equal(uutc.config.Reconnect.MaxWait, delay)
}

func TestStreamClientBoundedRetries(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// A server which never upgrades, so every handshake fails
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no upgrade here", http.StatusInternalServerError)
		},
	))
	defer srv.Close()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineStreamClient(testConfig(wsTarget(srv)), ctxt, &wg)
	assert.Nil(err)

	var connectAttempts int32
	states := make(chan ConnState, 64)
	uut.SetStateCallback(func(state ConnState) {
		if state == StateConnecting {
			atomic.AddInt32(&connectAttempts, 1)
		}
		states <- state
	})

	assert.Nil(uut.Start())

	// The client must give up after the configured attempts
	assert.Eventually(func() bool {
		return uut.State() == StateOffline
	}, time.Second*5, time.Millisecond*10)
	assert.EqualValues(4, atomic.LoadInt32(&connectAttempts))
	assert.False(uut.IsConnected())

	// Offline is terminal only until the next explicit Start, which runs a
	// fresh retry round
	assert.Nil(uut.Start())
	assert.Eventually(func() bool {
		return atomic.LoadInt32(&connectAttempts) == 8 && uut.State() == StateOffline
	}, time.Second*5, time.Millisecond*10)
}

func TestStreamClientEventDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer func() {
				_ = ws.Close()
			}()
			// Wait for the subscribe control message
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg fabric.ControlMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			// Feed one garbage frame, then a real event
			_ = ws.WriteMessage(websocket.TextMessage, []byte("not an event"))
			_ = ws.WriteJSON(&fabric.Event{
				Channel:   "applications",
				Type:      fabric.EventApplicationSubmitted,
				Data:      json.RawMessage(`{"id":42}`),
				Timestamp: time.Now().UTC(),
			})
			// Hold the session open until the client leaves
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		},
	))
	defer srv.Close()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineStreamClient(testConfig(wsTarget(srv)), ctxt, &wg)
	assert.Nil(err)

	received := make(chan fabric.Event, 8)
	uut.SetEventCallback(func(event fabric.Event) {
		received <- event
	})

	// Held subscriptions from before Start are replayed on connect
	assert.Nil(uut.Subscribe([]string{"applications"}))
	assert.Nil(uut.Start())

	select {
	case event := <-received:
		assert.Equal("applications", event.Channel)
		assert.Equal(fabric.EventApplicationSubmitted, event.Type)
		assert.JSONEq(`{"id":42}`, string(event.Data))
	case <-time.After(time.Second * 5):
		assert.FailNow("timed out waiting for event delivery")
	}
	assert.True(uut.IsConnected())

	uut.Stop()
	assert.Eventually(func() bool {
		return uut.State() == StateDisconnected
	}, time.Second*5, time.Millisecond*10)
}

func TestStreamClientSubscriptionReplay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	upgrader := websocket.Upgrader{}
	var sessionCount int32
	frames := make(chan fabric.ControlMessage, 8)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			session := atomic.AddInt32(&sessionCount, 1)
			defer func() {
				_ = ws.Close()
			}()
			for {
				_, raw, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var msg fabric.ControlMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					continue
				}
				frames <- msg
				if session == 1 {
					// Kill the first session to force a reconnect
					return
				}
			}
		},
	))
	defer srv.Close()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := DefineStreamClient(testConfig(wsTarget(srv)), ctxt, &wg)
	assert.Nil(err)

	assert.Nil(uut.Subscribe([]string{"scholarships", "jobs"}))
	assert.Nil(uut.Start())

	// First session receives the held set, then gets dropped server side
	expected := []string{"scholarships", "jobs"}
	for itr := 0; itr < 2; itr++ {
		select {
		case msg := <-frames:
			assert.Equal(fabric.ControlSubscribe, msg.Type)
			assert.ElementsMatch(expected, msg.Channels)
		case <-time.After(time.Second * 5):
			assert.FailNow("timed out waiting for subscription replay")
		}
	}

	uut.Stop()
}
