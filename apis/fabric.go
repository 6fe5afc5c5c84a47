// Copyright 2026 The livewire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/scholarbase/livewire/common"
	"github.com/scholarbase/livewire/fabric"
)

// APIRestFabricHandler REST and WebSocket handler for the notification fabric
type APIRestFabricHandler struct {
	goutils.RestAPIHandler
	fabricConfig common.FabricConfig
	registry     fabric.ConnectionRegistry
	router       fabric.TopicRouter
	protocol     fabric.SubscriptionProtocol
	upgrader     websocket.Upgrader
	validate     *validator.Validate
	wg           *sync.WaitGroup
}

// GetAPIRestFabricHandler define APIRestFabricHandler
func GetAPIRestFabricHandler(
	fabricConfig common.FabricConfig,
	httpConfig *common.HTTPConfig,
	registry fabric.ConnectionRegistry,
	router fabric.TopicRouter,
	protocol fabric.SubscriptionProtocol,
	wg *sync.WaitGroup,
) (APIRestFabricHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "notification-fabric",
	}
	return APIRestFabricHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		fabricConfig: fabricConfig,
		registry:     registry,
		router:       router,
		protocol:     protocol,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate: validator.New(),
		wg:       wg,
	}, nil
}

// Write logging support
func (h APIRestFabricHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Client stream

// -----------------------------------------------------------------------

// Stream godoc
// @Summary Establish a notification stream session
// @Description Upgrade the request to a WebSocket session receiving channel
// scoped notification events. The session accepts subscribe / unsubscribe
// control messages, and lasts until client disconnect, idle timeout, or server
// shutdown.
// @tags Stream
// @Param user query string false "User ID to associate with the session"
// @Success 101 {string} string "protocol switch"
// @Failure 500 {string} string "error"
// @Router /v1/stream [get]
func (h APIRestFabricHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	userID := r.URL.Query().Get("user")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failure")
		return
	}

	conn, err := fabric.DefineWSConnection(
		ws,
		userID,
		h.fabricConfig.SendBufferLen,
		time.Second*time.Duration(h.fabricConfig.PingInterval),
		time.Second*time.Duration(h.fabricConfig.IdleTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define connection")
		_ = ws.Close()
		return
	}

	if err := h.registry.Register(conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Rejecting new connection")
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"),
			time.Now().Add(time.Second),
		)
		_ = ws.Close()
		return
	}
	defer func() {
		h.registry.Deregister(conn.ID())
		_ = conn.Close()
		log.WithFields(localLogTags).Infof("Session %s ended", conn.ID())
	}()

	if h.fabricConfig.AutoSubscribe && len(h.fabricConfig.DefaultChannels) > 0 {
		h.registry.Subscribe(conn.ID(), h.fabricConfig.DefaultChannels)
	}
	if userID != "" {
		h.registry.Subscribe(conn.ID(), []string{fabric.UserChannel(userID)})
	}

	log.WithFields(localLogTags).Infof("Session %s started", conn.ID())

	conn.StartWritePump(h.wg)
	// Blocks for the lifetime of the session
	conn.ReadLoop(h.protocol)
}

// StreamHandler Wrapper around Stream
func (h APIRestFabricHandler) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r)
	}
}

// =======================================================================
// Event ingress

// -----------------------------------------------------------------------

// EventSubmission event ingress request body
type EventSubmission struct {
	// Type is the event type tag
	Type fabric.EventType `json:"type" validate:"required"`
	// Data is the structured event payload
	Data json.RawMessage `json:"data,omitempty"`
}

// EmitEvent godoc
// @Summary Publish a notification event
// @Description Submit one event for broadcast to the subscribers of a channel.
// Delivery is fire-and-forget; acceptance never implies any subscriber received
// the event.
// @tags Ingest
// @Accept json
// @Produce json
// @Param Livewire-Request-ID header string false "User provided request ID to match against logs"
// @Param channelName path string true "Channel to broadcast on"
// @Param event body apis.EventSubmission true "Event to publish"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Livewire-Request-ID "Request ID to match against logs"
// @Router /v1/event/{channelName} [post]
func (h APIRestFabricHandler) EmitEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	channelName, ok := vars["channelName"]
	if !ok {
		msg := "No channel name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var submission EventSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&submission); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if !submission.Type.Known() {
		msg := fmt.Sprintf("Unknown event type %s", submission.Type)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.router.Emit(
		r.Context(), channelName, submission.Type, submission.Data,
	); err != nil {
		msg := fmt.Sprintf("Unable to accept event for channel %s", channelName)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// EmitEventHandler Wrapper around EmitEvent
func (h APIRestFabricHandler) EmitEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EmitEvent(w, r)
	}
}

// =======================================================================
// Introspection

// -----------------------------------------------------------------------

// APIRestRespFabricStats response for fabric introspection
type APIRestRespFabricStats struct {
	goutils.RestAPIBaseResponse
	// Connections the number of registered connections
	Connections int `json:"connections"`
	// Channels the number of channels with at least one subscriber
	Channels int `json:"channels"`
	// Delivery the router delivery counters
	Delivery fabric.DeliveryStats `json:"delivery"`
}

// Stats godoc
// @Summary Query notification fabric state
// @Description Report current connection count, channel count, and delivery
// counters
// @tags Ingest
// @Produce json
// @Param Livewire-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} apis.APIRestRespFabricStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,500 {string} Livewire-Request-ID "Request ID to match against logs"
// @Router /v1/stats [get]
func (h APIRestFabricHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespFabricStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Connections: h.registry.ConnectionCount(),
		Channels:    h.registry.ChannelCount(),
		Delivery:    h.router.Stats(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// StatsHandler Wrapper around Stats
func (h APIRestFabricHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For fabric server liveness check
// @Description Will return success to indicate the fabric server is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestFabricHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestFabricHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For fabric server readiness check
// @Description Will return success if the fabric server is ready for use
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestFabricHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// The fabric is memory resident, so readiness tracks capacity headroom
	if h.registry.ConnectionCount() < h.fabricConfig.MaxConnections {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "connection capacity reached",
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestFabricHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
