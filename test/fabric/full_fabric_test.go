package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/scholarbase/livewire/apis"
	"github.com/scholarbase/livewire/client"
	"github.com/scholarbase/livewire/common"
	"github.com/scholarbase/livewire/fabric"
)

type testFabric struct {
	registry fabric.ConnectionRegistry
	router   fabric.TopicRouter
	server   *httptest.Server
}

// buildTestFabric assemble the full notification stack behind one test server.
// The production deployment splits stream and ingest across two listeners, but
// the handlers are listener agnostic.
func buildTestFabric(
	assert *assert.Assertions, ctxt context.Context, wg *sync.WaitGroup,
) testFabric {
	fabricConfig := common.FabricConfig{
		MaxConnections:    8,
		SendBufferLen:     16,
		DefaultChannels:   []string{"announcements"},
		AutoSubscribe:     true,
		IdleTimeout:       60,
		IdleSweepInterval: 30,
		PingInterval:      30,
	}
	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Livewire-Request-ID"},
	}

	registry, err := fabric.DefineConnectionRegistry(fabricConfig.MaxConnections)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("fabric-test", 16, ctxt)
	assert.Nil(err)
	router, err := fabric.DefineTopicRouter(registry, tp)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	protocol, err := fabric.DefineSubscriptionProtocol(registry)
	assert.Nil(err)

	handler, err := apis.GetAPIRestFabricHandler(
		fabricConfig, &httpConfig, registry, router, protocol, wg,
	)
	assert.Nil(err)

	httpRouter := mux.NewRouter()
	_ = apis.RegisterPathPrefix(httpRouter, "/v1/stream", map[string]http.HandlerFunc{
		"get": handler.StreamHandler(),
	})
	_ = apis.RegisterPathPrefix(
		httpRouter, "/v1/event/{channelName}", map[string]http.HandlerFunc{
			"post": handler.EmitEventHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(httpRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": handler.StatsHandler(),
	})

	return testFabric{
		registry: registry,
		router:   router,
		server:   httptest.NewServer(httpRouter),
	}
}

func streamTarget(srv *httptest.Server, userID string) string {
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	if userID != "" {
		target += "?user=" + userID
	}
	return target
}

func buildTestClient(
	assert *assert.Assertions,
	ctxt context.Context,
	wg *sync.WaitGroup,
	target string,
) (client.StreamClient, chan fabric.Event) {
	uut, err := client.DefineStreamClient(client.Config{
		TargetURL:        target,
		HandshakeTimeout: time.Second,
		Reconnect: client.ReconnectConfig{
			MaxAttempts: 3,
			InitialWait: time.Millisecond * 20,
			MaxWait:     time.Millisecond * 160,
		},
	}, ctxt, wg)
	assert.Nil(err)
	received := make(chan fabric.Event, 16)
	uut.SetEventCallback(func(event fabric.Event) {
		received <- event
	})
	return uut, received
}

func postEvent(
	assert *assert.Assertions,
	srv *httptest.Server,
	channel string,
	eventType fabric.EventType,
	payload string,
) *http.Response {
	body, err := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": json.RawMessage(payload),
	})
	assert.Nil(err)
	resp, err := http.Post(
		fmt.Sprintf("%s/v1/event/%s", srv.URL, channel),
		"application/json",
		bytes.NewReader(body),
	)
	assert.Nil(err)
	return resp
}

func TestFabricEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack := buildTestFabric(assert, ctxt, &wg)
	defer stack.server.Close()

	// Two sessions with disjoint explicit subscriptions
	clientA, receivedA := buildTestClient(
		assert, ctxt, &wg, streamTarget(stack.server, "alice"),
	)
	clientB, receivedB := buildTestClient(
		assert, ctxt, &wg, streamTarget(stack.server, "bob"),
	)
	assert.Nil(clientA.Subscribe([]string{"applications"}))
	assert.Nil(clientB.Subscribe([]string{"jobs"}))
	assert.Nil(clientA.Start())
	assert.Nil(clientB.Start())

	// Both sessions registered, subscribe control messages applied
	assert.Eventually(func() bool {
		return stack.registry.ConnectionCount() == 2 &&
			len(stack.registry.ConnectionsForChannel("applications")) == 1 &&
			len(stack.registry.ConnectionsForChannel("jobs")) == 1
	}, time.Second*5, time.Millisecond*10)

	// Case 0: event lands only on the subscribed session
	{
		resp := postEvent(
			assert, stack.server, "applications",
			fabric.EventApplicationSubmitted, `{"id":42}`,
		)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()

		select {
		case event := <-receivedA:
			assert.Equal("applications", event.Channel)
			assert.Equal(fabric.EventApplicationSubmitted, event.Type)
			assert.JSONEq(`{"id":42}`, string(event.Data))
		case <-time.After(time.Second * 5):
			assert.FailNow("subscribed session never received the event")
		}
		select {
		case event := <-receivedB:
			assert.FailNow(fmt.Sprintf("unsubscribed session received %v", event))
		case <-time.After(time.Millisecond * 200):
			// As expected
		}
	}

	// Case 1: default channels were auto subscribed at session start
	{
		resp := postEvent(
			assert, stack.server, "announcements",
			fabric.EventBlogPostPublished, `{"title":"maintenance window"}`,
		)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()

		for _, received := range []chan fabric.Event{receivedA, receivedB} {
			select {
			case event := <-received:
				assert.Equal("announcements", event.Channel)
				assert.Equal(fabric.EventBlogPostPublished, event.Type)
			case <-time.After(time.Second * 5):
				assert.FailNow("session missed the broadcast")
			}
		}
	}

	// Case 2: the session user channel is private to its session
	{
		assert.Len(stack.registry.ConnectionsForChannel(fabric.UserChannel("alice")), 1)
		assert.Nil(stack.router.Emit(
			ctxt,
			fabric.UserChannel("alice"),
			fabric.EventNotification,
			map[string]interface{}{"unread": 3},
		))

		select {
		case event := <-receivedA:
			assert.Equal(fabric.UserChannel("alice"), event.Channel)
			assert.Equal(fabric.EventNotification, event.Type)
			assert.JSONEq(`{"unread":3}`, string(event.Data))
		case <-time.After(time.Second * 5):
			assert.FailNow("user scoped event never arrived")
		}
		select {
		case event := <-receivedB:
			assert.FailNow(fmt.Sprintf("user scoped event leaked: %v", event))
		case <-time.After(time.Millisecond * 200):
			// As expected
		}
	}

	// Case 3: unknown event types are rejected at ingest
	{
		resp := postEvent(
			assert, stack.server, "applications", "NOT_A_REAL_TYPE", `{}`,
		)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 4: unsubscribe stops delivery
	{
		assert.Nil(clientA.Unsubscribe([]string{"applications"}))
		assert.Eventually(func() bool {
			return len(stack.registry.ConnectionsForChannel("applications")) == 0
		}, time.Second*5, time.Millisecond*10)

		resp := postEvent(
			assert, stack.server, "applications",
			fabric.EventApplicationStatusChange, `{"id":42,"status":"review"}`,
		)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()

		select {
		case event := <-receivedA:
			assert.FailNow(fmt.Sprintf("delivery after unsubscribe: %v", event))
		case <-time.After(time.Millisecond * 200):
			// As expected
		}
	}

	// Case 5: session teardown prunes the registry
	{
		clientA.Stop()
		clientB.Stop()
		assert.Eventually(func() bool {
			return stack.registry.ConnectionCount() == 0
		}, time.Second*5, time.Millisecond*10)
	}
}

func TestFabricShutdownDrainsSessions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack := buildTestFabric(assert, ctxt, &wg)
	defer stack.server.Close()

	// Raw transports, so nothing reconnects after the drain
	sessions := make([]*websocket.Conn, 2)
	for itr := range sessions {
		ws, _, err := websocket.DefaultDialer.Dial(streamTarget(stack.server, ""), nil)
		assert.Nil(err)
		sessions[itr] = ws
	}
	assert.Eventually(func() bool {
		return stack.registry.ConnectionCount() == 2
	}, time.Second*5, time.Millisecond*10)

	// Server side shutdown sequence: drain the registry, close the transports
	for _, conn := range stack.registry.Drain() {
		assert.Nil(conn.Close())
	}
	assert.Equal(0, stack.registry.ConnectionCount())

	// Each client observes its session ending
	for _, ws := range sessions {
		_ = ws.SetReadDeadline(time.Now().Add(time.Second * 5))
		_, _, err := ws.ReadMessage()
		assert.NotNil(err)
		_ = ws.Close()
	}

	// Every fabric goroutine exits once the sessions are closed and the
	// delivery loop is cancelled
	cancel()
	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		// As expected
	case <-time.After(time.Second * 5):
		assert.FailNow("fabric goroutines never exited after shutdown")
	}
}

func TestFabricStatsEndpoint(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack := buildTestFabric(assert, ctxt, &wg)
	defer stack.server.Close()

	uut, received := buildTestClient(
		assert, ctxt, &wg, streamTarget(stack.server, "carol"),
	)
	assert.Nil(uut.Subscribe([]string{"scholarships"}))
	assert.Nil(uut.Start())
	assert.Eventually(func() bool {
		return len(stack.registry.ConnectionsForChannel("scholarships")) == 1
	}, time.Second*5, time.Millisecond*10)

	resp := postEvent(
		assert, stack.server, "scholarships",
		fabric.EventScholarshipCreated, `{"id":7,"amount":5000}`,
	)
	assert.Equal(http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	select {
	case event := <-received:
		assert.Equal(fabric.EventScholarshipCreated, event.Type)
	case <-time.After(time.Second * 5):
		assert.FailNow("event never arrived")
	}

	statsResp, err := http.Get(stack.server.URL + "/v1/stats")
	assert.Nil(err)
	defer func() {
		_ = statsResp.Body.Close()
	}()
	assert.Equal(http.StatusOK, statsResp.StatusCode)

	var stats apis.APIRestRespFabricStats
	assert.Nil(json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.True(stats.Success)
	assert.Equal(1, stats.Connections)
	assert.GreaterOrEqual(stats.Delivery.Published, uint64(1))
	assert.GreaterOrEqual(stats.Delivery.Delivered, uint64(1))

	uut.Stop()
}
