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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/scholarbase/livewire/apis"
	"github.com/scholarbase/livewire/common"
	"github.com/scholarbase/livewire/fabric"
)

// RunFabricServer run the notification fabric server. Starts the client facing
// stream server and the backend facing ingest server sharing one in-memory
// fabric. Blocks until the runtime context is cancelled.
func RunFabricServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "fabric-server",
		"instance":  instance,
	}

	registry, err := fabric.DefineConnectionRegistry(config.Fabric.MaxConnections)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	tp, err := common.GetNewTaskProcessorInstance("topic-router", 64, runTimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery loop")
		return err
	}

	router, err := fabric.DefineTopicRouter(registry, tp)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topic router")
		return err
	}

	protocol, err := fabric.DefineSubscriptionProtocol(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription protocol")
		return err
	}

	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start delivery loop")
		return err
	}
	defer func() {
		_ = tp.StopEventLoop()
	}()

	// Periodically drop connections which stopped responding to liveness checks
	idleSweep, err := common.GetIntervalTimerInstance("idle-sweep", runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define idle sweep timer")
		return err
	}
	idleTimeout := time.Second * time.Duration(config.Fabric.IdleTimeout)
	if err := idleSweep.Start(
		time.Second*time.Duration(config.Fabric.IdleSweepInterval),
		func() error {
			for _, conn := range registry.SweepIdle(time.Now().Add(-idleTimeout)) {
				_ = conn.Close()
			}
			return nil
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start idle sweep timer")
		return err
	}
	defer func() {
		_ = idleSweep.Stop()
	}()

	httpHandler, err := apis.GetAPIRestFabricHandler(
		config.Fabric, &config.Stream.HTTPSetting, registry, router, protocol, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Client facing stream server

	streamRouter := mux.NewRouter()
	streamMain := apis.RegisterPathPrefix(
		streamRouter, config.Stream.Endpoints.PathPrefix, nil,
	)
	_ = apis.RegisterPathPrefix(streamMain, "/v1/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamHandler(),
	})
	_ = apis.RegisterPathPrefix(streamMain, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(streamMain, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})
	streamRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	// The stream server upgrades requests to WebSocket, which requires
	// HTTP/1.1 connection hijacking. Keep it off h2c.
	streamSrv := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d", config.Stream.HTTPSetting.Server.ListenOn,
			config.Stream.HTTPSetting.Server.Port,
		),
		Handler: streamRouter,
	}

	// -------------------------------------------------------------------
	// Backend facing ingest server

	ingestRouter := mux.NewRouter()
	ingestMain := apis.RegisterPathPrefix(
		ingestRouter, config.Ingest.Endpoints.PathPrefix, nil,
	)
	_ = apis.RegisterPathPrefix(
		ingestMain, "/v1/event/{channelName}", map[string]http.HandlerFunc{
			"post": httpHandler.EmitEventHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(ingestMain, "/v1/stats", map[string]http.HandlerFunc{
		"get": httpHandler.StatsHandler(),
	})
	_ = apis.RegisterPathPrefix(ingestMain, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(ingestMain, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})
	ingestRouter.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	ingestSrv := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d", config.Ingest.HTTPSetting.Server.ListenOn,
			config.Ingest.HTTPSetting.Server.Port,
		),
		WriteTimeout: time.Second * time.Duration(config.Ingest.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Ingest.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Ingest.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(ingestRouter, &http2.Server{}),
	}

	// -------------------------------------------------------------------
	// Start serving

	go func() {
		if err := streamSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Stream server failure")
		}
	}()
	go func() {
		if err := ingestSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Ingest server failure")
		}
	}()

	log.WithFields(logTags).Infof("Started stream server on http://%s", streamSrv.Addr)
	log.WithFields(logTags).Infof("Started ingest server on http://%s", ingestSrv.Addr)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP servers
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := streamSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during stream server shutdown")
		}
		if err := ingestSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during ingest server shutdown")
		}
	}

	// Shutdown does not cover hijacked WebSocket transports. Close the live
	// sessions so their pump goroutines exit.
	for _, conn := range registry.Drain() {
		_ = conn.Close()
	}

	return nil
}
