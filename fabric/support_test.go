package fabric

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// testConnection is an in-memory Connection stand-in recording deliveries
type testConnection struct {
	lock        sync.Mutex
	id          string
	userID      string
	lastActive  time.Time
	delivered   []Event
	failDeliver bool
}

func newTestConnection() *testConnection {
	return &testConnection{
		id: uuid.New().String(), lastActive: time.Now(),
	}
}

func (c *testConnection) ID() string {
	return c.id
}

func (c *testConnection) UserID() string {
	return c.userID
}

func (c *testConnection) LastActive() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.lastActive
}

func (c *testConnection) Deliver(event Event) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failDeliver {
		return fmt.Errorf("simulated delivery failure")
	}
	c.delivered = append(c.delivered, event)
	return nil
}

func (c *testConnection) Close() error {
	return nil
}

func (c *testConnection) deliveredEvents() []Event {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]Event, len(c.delivered))
	copy(result, c.delivered)
	return result
}
