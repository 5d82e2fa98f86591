package main

import (
	"sync"

	"github.com/bt2c/bt2c-core/internal/p2p"
)

// pendingRequests correlates an outbound request-response message pair by
// the initiating Envelope's MessageID, since p2p's dispatch is one-way
// (handler per MessageType) rather than request/response-aware.
type pendingRequests struct {
	mu sync.Mutex
	m  map[string]chan p2p.Envelope
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{m: make(map[string]chan p2p.Envelope)}
}

func (p *pendingRequests) register(id string) chan p2p.Envelope {
	ch := make(chan p2p.Envelope, 1)
	p.mu.Lock()
	p.m[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingRequests) cancel(id string) {
	p.mu.Lock()
	delete(p.m, id)
	p.mu.Unlock()
}

// complete delivers env to the channel registered for the request_id its
// payload carries, if any is still pending.
func (p *pendingRequests) complete(requestID string, env p2p.Envelope) {
	p.mu.Lock()
	ch, ok := p.m[requestID]
	if ok {
		delete(p.m, requestID)
	}
	p.mu.Unlock()
	if ok {
		ch <- env
	}
}
