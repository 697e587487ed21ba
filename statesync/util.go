package statesync

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// makes a copy of the list on update, so that `Get` can be iterated
// without holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   map[int]T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(self.callbackIds, i, i+1)
	delete(self.callbacks, callbackId)
}

// note all callbacks are wrapped to recover from errors,
// so that one broken callback cannot take down the notification stream
func handleCallback(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("Unexpected callback panic: %s\n", r)
		}
	}()
	callback()
}
