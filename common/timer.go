package common

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler callback invoked on each timer expiration
type TimeoutHandler func() error

// IntervalTimer invokes a handler on a fixed period. Each Start launches a new
// timer loop; Stop ends the running loop. Used for periodic maintenance work
// such as sweeping idle connections.
type IntervalTimer interface {
	// Start begin the timer loop. With oneShot the handler fires once and the
	// loop ends; otherwise it fires every interval until Stop.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop end the running timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start begin the timer loop
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	log.WithFields(t.LogTags).Infof("Starting with interval %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		for {
			select {
			case <-ctxt.Done():
				return
			case <-time.After(interval):
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Timeout handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop end the running timer loop
func (t *intervalTimerImpl) Stop() error {
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	return nil
}
