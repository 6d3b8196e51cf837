package collab

import (
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the callbacks on update so that fan-out never holds the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	self.callbackIds = append([]int{}, self.callbackIds...)
	self.callbackIds = append(self.callbackIds, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextCallbackIds := []int{}
	for _, existingId := range self.callbackIds {
		if existingId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingId)
		}
	}
	self.callbackIds = nextCallbackIds
}

// callbacks in add order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := []T{}
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Clear() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := maps.Values(self.callbacks)
	self.callbacks = map[int]T{}
	self.callbackIds = nil
	return callbacks
}
