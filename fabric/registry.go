package fabric

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/scholarbase/livewire/common"
)

// Connection is the registry facing surface of one live client session. The
// registry is the only component holding these references; everything else
// reaches connections through registry lookups.
type Connection interface {
	// ID the opaque connection identifier assigned at accept time
	ID() string
	// UserID the associated user identifier, or "" for anonymous sessions
	UserID() string
	// LastActive the timestamp of the most recent transport activity
	LastActive() time.Time
	// Deliver queues one event for transmission. It must never block; a full
	// outbound buffer is reported as an error and the event is dropped.
	Deliver(event Event) error
	// Close tears down the underlying transport
	Close() error
}

// ConnectionRegistry maintains the authoritative mapping from connection ID to
// connection state, and a secondary index from channel to subscribed connections.
// Both indexes are mutated under a single critical section per operation, so a
// deregistered connection can never linger in a channel index.
type ConnectionRegistry interface {
	// Register inserts a new connection with an empty subscription set. Fails
	// if the configured connection capacity is reached.
	Register(conn Connection) error
	// Deregister removes the connection and prunes it from every channel it
	// was subscribed to. Unknown IDs are a no-op.
	Deregister(connID string)
	// Subscribe adds each channel to the connection's set and to the channel
	// index. Unknown connection IDs are a no-op.
	Subscribe(connID string, channels []string)
	// Unsubscribe is the inverse of Subscribe
	Unsubscribe(connID string, channels []string)
	// ConnectionsForChannel the connections currently subscribed to a channel.
	// Unknown channels yield an empty result.
	ConnectionsForChannel(channel string) []Connection
	// ChannelsForConnection the channels a connection is subscribed to
	ChannelsForConnection(connID string) []string
	// ConnectionCount the number of registered connections
	ConnectionCount() int
	// ChannelCount the number of channels with at least one subscriber
	ChannelCount() int
	// SweepIdle deregisters and returns every connection whose last activity
	// precedes the cutoff. The caller closes the returned transports.
	SweepIdle(cutoff time.Time) []Connection
	// Drain deregisters and returns every connection. Used at server shutdown;
	// the caller closes the returned transports.
	Drain() []Connection
}

// registryEntry state tracked per registered connection
type registryEntry struct {
	conn     Connection
	channels map[string]bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock     sync.Mutex
	maxConns int
	byID     map[string]*registryEntry
	byChan   map[string]map[string]Connection
}

// DefineConnectionRegistry create new connection registry with a capacity bound
func DefineConnectionRegistry(maxConnections int) (ConnectionRegistry, error) {
	if maxConnections < 1 {
		return nil, fmt.Errorf("connection capacity must be at least one")
	}
	logTags := log.Fields{
		"module": "fabric", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		maxConns:  maxConnections,
		byID:      make(map[string]*registryEntry),
		byChan:    make(map[string]map[string]Connection),
	}, nil
}

// Register inserts a new connection with an empty subscription set
func (r *connectionRegistryImpl) Register(conn Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if len(r.byID) >= r.maxConns {
		return fmt.Errorf("connection capacity %d reached", r.maxConns)
	}
	if _, ok := r.byID[conn.ID()]; ok {
		return fmt.Errorf("connection %s already registered", conn.ID())
	}
	r.byID[conn.ID()] = &registryEntry{
		conn: conn, channels: make(map[string]bool),
	}
	log.WithFields(r.LogTags).Debugf("Registered connection %s", conn.ID())
	return nil
}

// Deregister removes the connection and prunes the channel index
func (r *connectionRegistryImpl) Deregister(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.byID[connID]
	if !ok {
		return
	}
	for channel := range entry.channels {
		r.dropFromChannel(channel, connID)
	}
	delete(r.byID, connID)
	log.WithFields(r.LogTags).Debugf("Deregistered connection %s", connID)
}

// Subscribe adds channels to a connection's subscription set
func (r *connectionRegistryImpl) Subscribe(connID string, channels []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.byID[connID]
	if !ok {
		log.WithFields(r.LogTags).Debugf(
			"Ignoring subscribe for unknown connection %s", connID,
		)
		return
	}
	for _, channel := range channels {
		if channel == "" {
			continue
		}
		entry.channels[channel] = true
		subscribers, ok := r.byChan[channel]
		if !ok {
			subscribers = make(map[string]Connection)
			r.byChan[channel] = subscribers
		}
		subscribers[connID] = entry.conn
	}
}

// Unsubscribe removes channels from a connection's subscription set
func (r *connectionRegistryImpl) Unsubscribe(connID string, channels []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.byID[connID]
	if !ok {
		return
	}
	for _, channel := range channels {
		delete(entry.channels, channel)
		r.dropFromChannel(channel, connID)
	}
}

// dropFromChannel remove one connection from a channel index entry. Caller
// must hold the lock.
func (r *connectionRegistryImpl) dropFromChannel(channel string, connID string) {
	subscribers, ok := r.byChan[channel]
	if !ok {
		return
	}
	delete(subscribers, connID)
	if len(subscribers) == 0 {
		delete(r.byChan, channel)
	}
}

// ConnectionsForChannel the connections currently subscribed to a channel
func (r *connectionRegistryImpl) ConnectionsForChannel(channel string) []Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	subscribers, ok := r.byChan[channel]
	if !ok {
		return nil
	}
	result := make([]Connection, 0, len(subscribers))
	for _, conn := range subscribers {
		result = append(result, conn)
	}
	return result
}

// ChannelsForConnection the channels a connection is subscribed to
func (r *connectionRegistryImpl) ChannelsForConnection(connID string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.byID[connID]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(entry.channels))
	for channel := range entry.channels {
		result = append(result, channel)
	}
	return result
}

// ConnectionCount the number of registered connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.byID)
}

// ChannelCount the number of channels with at least one subscriber
func (r *connectionRegistryImpl) ChannelCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.byChan)
}

// SweepIdle deregisters connections whose last activity precedes the cutoff
func (r *connectionRegistryImpl) SweepIdle(cutoff time.Time) []Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	var swept []Connection
	for connID, entry := range r.byID {
		if entry.conn.LastActive().Before(cutoff) {
			for channel := range entry.channels {
				r.dropFromChannel(channel, connID)
			}
			delete(r.byID, connID)
			swept = append(swept, entry.conn)
			log.WithFields(r.LogTags).Infof("Swept idle connection %s", connID)
		}
	}
	return swept
}

// Drain deregisters every connection
func (r *connectionRegistryImpl) Drain() []Connection {
	r.lock.Lock()
	defer r.lock.Unlock()
	drained := make([]Connection, 0, len(r.byID))
	for _, entry := range r.byID {
		drained = append(drained, entry.conn)
	}
	r.byID = make(map[string]*registryEntry)
	r.byChan = make(map[string]map[string]Connection)
	log.WithFields(r.LogTags).Infof("Drained %d connections", len(drained))
	return drained
}
