package fabric

import (
	"encoding/json"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/scholarbase/livewire/common"
)

// Control message type values a client may send
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// ControlMessage is one client originated subscription control request
type ControlMessage struct {
	// Type is the requested operation: subscribe or unsubscribe
	Type string `json:"type" validate:"required,oneof=subscribe unsubscribe"`
	// Channels are the channel names the operation applies to
	Channels []string `json:"channels" validate:"required"`
}

// ParseControlMessage parse and validate one inbound control frame
func ParseControlMessage(
	raw []byte, validate *validator.Validate,
) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, err
	}
	if err := validate.Struct(&msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// SubscriptionProtocol applies client control messages against the registry.
// Malformed input is logged and dropped per message; it is never fatal to the
// sending connection.
type SubscriptionProtocol interface {
	HandleRawMessage(connID string, raw []byte)
}

// subscriptionProtocolImpl implements SubscriptionProtocol
type subscriptionProtocolImpl struct {
	common.Component
	registry ConnectionRegistry
	validate *validator.Validate
}

// DefineSubscriptionProtocol create new subscription protocol handler
func DefineSubscriptionProtocol(registry ConnectionRegistry) (SubscriptionProtocol, error) {
	logTags := log.Fields{
		"module": "fabric", "component": "subscription-protocol",
	}
	return &subscriptionProtocolImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		validate:  validator.New(),
	}, nil
}

// HandleRawMessage process one raw control frame from a connection
func (p *subscriptionProtocolImpl) HandleRawMessage(connID string, raw []byte) {
	msg, err := ParseControlMessage(raw, p.validate)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Debugf(
			"Dropping malformed control message from %s", connID,
		)
		return
	}
	if len(msg.Channels) == 0 {
		return
	}
	switch msg.Type {
	case ControlSubscribe:
		p.registry.Subscribe(connID, msg.Channels)
	case ControlUnsubscribe:
		p.registry.Unsubscribe(connID, msg.Channels)
	}
}
