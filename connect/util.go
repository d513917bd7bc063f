package connect

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// readers iterate the returned slice without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.callbacks = nextCallbacks
	return len(nextCallbacks)
}

// removes the first callback matching `match`
// returns the number of remaining callbacks and whether one was removed
func (self *CallbackList[T]) RemoveFunc(match func(T) bool) (int, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, match)
	if i < 0 {
		// not present
		return len(self.callbacks), false
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
	return len(nextCallbacks), true
}

// waits out the remainder of `timeout` since the reconnect was created
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}
