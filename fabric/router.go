package fabric

import (
	"context"
	"encoding/json"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/scholarbase/livewire/common"
)

// DeliveryStats delivery counters accumulated since router start
type DeliveryStats struct {
	// Published the number of events accepted for fan-out
	Published uint64 `json:"published"`
	// Delivered the number of per-subscriber delivery attempts which succeeded
	Delivered uint64 `json:"delivered"`
	// Dropped the number of per-subscriber delivery attempts which failed
	Dropped uint64 `json:"dropped"`
}

// TopicRouter fan-outs published events to the connections subscribed to the
// event's channel. Delivery is best-effort and at-most-once per subscriber; a
// failed write to one subscriber never aborts delivery to the rest, and no
// delivery outcome ever reaches the publisher.
type TopicRouter interface {
	// Emit hands an event to the delivery loop and returns immediately. The
	// only reported failures are payload serialization and a stopped router;
	// delivery outcomes are never reported.
	Emit(ctxt context.Context, channel string, eventType EventType, data interface{}) error
	// Publish synchronously fan-outs one event. Events published to the same
	// channel through the delivery loop reach each subscriber in publish order.
	Publish(event Event)
	// Stats snapshot of the delivery counters
	Stats() DeliveryStats
}

// routerPublishReq request the delivery loop fan-out one event
type routerPublishReq struct {
	event Event
}

// topicRouterImpl implements TopicRouter
type topicRouterImpl struct {
	common.Component
	registry  ConnectionRegistry
	tp        common.TaskProcessor
	published uint64
	delivered uint64
	dropped   uint64
}

// DefineTopicRouter create new topic router running its fan-out on the given
// task processor event loop
func DefineTopicRouter(
	registry ConnectionRegistry, tp common.TaskProcessor,
) (TopicRouter, error) {
	logTags := log.Fields{
		"module": "fabric", "component": "topic-router",
	}
	instance := topicRouterImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		tp:        tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(routerPublishReq{}), instance.processPublishRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Emit hand one event to the delivery loop
func (r *topicRouterImpl) Emit(
	ctxt context.Context, channel string, eventType EventType, data interface{},
) error {
	var body json.RawMessage
	if data != nil {
		serialized, err := json.Marshal(data)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to serialize payload for %s event on %s", eventType, channel,
			)
			return err
		}
		body = serialized
	}
	event := Event{
		Channel:   channel,
		Type:      eventType,
		Data:      body,
		Timestamp: time.Now().UTC(),
	}
	return r.tp.Submit(ctxt, routerPublishReq{event: event})
}

// processPublishRequest delivery loop handler for routerPublishReq
func (r *topicRouterImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(routerPublishReq)
	if !ok {
		return nil
	}
	r.Publish(request.event)
	return nil
}

// Publish synchronously fan-outs one event
func (r *topicRouterImpl) Publish(event Event) {
	atomic.AddUint64(&r.published, 1)
	subscribers := r.registry.ConnectionsForChannel(event.Channel)
	if len(subscribers) == 0 {
		log.WithFields(r.LogTags).Debugf(
			"No subscribers on channel %s for %s", event.Channel, event.Type,
		)
		return
	}
	for _, conn := range subscribers {
		if err := conn.Deliver(event); err != nil {
			atomic.AddUint64(&r.dropped, 1)
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Dropped %s event on %s for connection %s",
				event.Type, event.Channel, conn.ID(),
			)
			continue
		}
		atomic.AddUint64(&r.delivered, 1)
	}
}

// Stats snapshot of the delivery counters
func (r *topicRouterImpl) Stats() DeliveryStats {
	return DeliveryStats{
		Published: atomic.LoadUint64(&r.published),
		Delivered: atomic.LoadUint64(&r.delivered),
		Dropped:   atomic.LoadUint64(&r.dropped),
	}
}
