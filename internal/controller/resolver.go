package controller

import (
	"fmt"
	"sync"
)

// MapResolver is a fixed set of configured clients. The transport adapters
// that build clients for the two controller families register themselves
// here at boot.
type MapResolver struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewMapResolver() *MapResolver {
	return &MapResolver{clients: map[string]Client{}}
}

func (r *MapResolver) Add(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ControllerID()] = c
}

func (r *MapResolver) Client(controllerID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[controllerID]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for controller %q", controllerID)
	}
	return c, nil
}
