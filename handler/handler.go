// Package handler implements a small typed event dispatcher. Hubs and
// stores embed a Handler and Call it with event values; listeners are
// plain functions registered with On and matched by argument type.
package handler

import (
	"reflect"
	"sync"
)

// Handler dispatches events to listener functions keyed by event type.
type Handler struct {
	mu        sync.RWMutex
	listeners map[reflect.Type][]reflect.Value
}

// New creates an empty Handler.
func New() *Handler {
	return &Handler{
		listeners: make(map[reflect.Type][]reflect.Value),
	}
}

// On registers fn as a listener. fn must be a function taking exactly one
// argument; it will be invoked for every event of that argument's type.
// On panics when fn has a different shape.
func (h *Handler) On(fn interface{}) {
	v := reflect.ValueOf(fn)
	t := v.Type()

	if t.Kind() != reflect.Func || t.NumIn() != 1 {
		panic("handler: On expects a func with exactly one argument")
	}

	argType := t.In(0)

	h.mu.Lock()
	h.listeners[argType] = append(h.listeners[argType], v)
	h.mu.Unlock()
}

// Call dispatches event to every listener registered for its type.
// Listeners run synchronously in registration order.
func (h *Handler) Call(event interface{}) {
	t := reflect.TypeOf(event)

	h.mu.RLock()
	fns := make([]reflect.Value, len(h.listeners[t]))
	copy(fns, h.listeners[t])
	h.mu.RUnlock()

	if len(fns) == 0 {
		return
	}

	args := []reflect.Value{reflect.ValueOf(event)}

	for _, fn := range fns {
		fn.Call(args)
	}
}
