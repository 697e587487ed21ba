package statesync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// notification that the region contents may have changed.
// carries no payload; re-read the region
type ChangeFunction func()

// an ordered, mutable sequence of elements owned by the local application.
// the region supports concurrent reads and an atomic full replace.
// replace-then-notify: contents swap under the lock and callbacks run after
// release, so a reader can never observe a torn intermediate state.
type Region[T any] struct {
	name string

	stateLock sync.Mutex
	elements  []T

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewRegion[T any](name string) *Region[T] {
	return &Region[T]{
		name:            name,
		elements:        []T{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Region[T]) Name() string {
	return self.name
}

// a copy of the current contents. the caller owns the returned slice
func (self *Region[T]) Elements() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.elements)
}

func (self *Region[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.elements)
}

// replaces the entire contents in one atomic update
func (self *Region[T]) Replace(elements []T) {
	self.stateLock.Lock()
	self.elements = slices.Clone(elements)
	self.stateLock.Unlock()

	self.notifyChange()
}

func (self *Region[T]) Append(element T) {
	self.stateLock.Lock()
	self.elements = append(slices.Clone(self.elements), element)
	self.stateLock.Unlock()

	self.notifyChange()
}

// removes and returns the element at index.
// returns false if index is out of range
func (self *Region[T]) RemoveAt(index int) (element T, removed bool) {
	self.stateLock.Lock()
	if index < 0 || len(self.elements) <= index {
		self.stateLock.Unlock()
		return
	}
	element = self.elements[index]
	removed = true
	self.elements = slices.Delete(slices.Clone(self.elements), index, index+1)
	self.stateLock.Unlock()

	self.notifyChange()
	return
}

// callbacks run synchronously with the triggering mutation, one mutation at
// a time, so a handler always runs to completion before the next
// notification for the same subscription
func (self *Region[T]) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Region[T]) notifyChange() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		handleCallback(changeCallback)
	}
}
