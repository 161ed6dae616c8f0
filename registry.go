package atsock

import (
	"sort"
	"sync"
)

// Registry maps device names to devices. It is meant to be owned by the
// code that brings the devices up and passed to whoever needs to look them
// up by name.
type Registry struct {
	mu    sync.RWMutex
	devs  map[string]*Device
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devs: make(map[string]*Device)}
}

// Register adds d. It returns ErrInvalidArg if a device with the same name
// is already registered.
func (r *Registry) Register(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devs[d.Name()]; ok {
		return &Error{d.Name(), "register", ErrInvalidArg}
	}
	r.devs[d.Name()] = d
	r.order = append(r.order, d.Name())
	return nil
}

// Get returns the device registered under name or nil.
func (r *Registry) Get(name string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devs[name]
}

// First returns the first registered device that is ready or nil.
func (r *Registry) First() *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if d := r.devs[name]; d.Ready() {
			return d
		}
	}
	return nil
}

// Remove removes the device registered under name and returns it.
func (r *Registry) Remove(name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.devs[name]
	if d == nil {
		return nil
	}
	delete(r.devs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return d
}

// Names returns the names of all registered devices in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.devs))
	for name := range r.devs {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
