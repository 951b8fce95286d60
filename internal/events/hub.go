// Package events fans job progress snapshots out to live subscribers, such as
// the server-sent event stream of the HTTP API.
package events

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// subscriberBuffer is how many snapshots a slow subscriber may fall behind
// before the oldest is dropped.
const subscriberBuffer = 16

// Hub delivers snapshots to the subscribers of each job id. It is safe for
// concurrent use.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// Subscription receives the snapshots of one job until Close is called.
type Subscription struct {
	JobID string

	ch   chan models.JobProgress
	hub  *Hub
	once sync.Once
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in jobID.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		JobID: jobID,
		ch:    make(chan models.JobProgress, subscriberBuffer),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// C is closed after Close.
func (s *Subscription) C() <-chan models.JobProgress {
	return s.ch
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.JobID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.JobID)
			}
		}
		close(s.ch)
	})
}

// Publish never blocks. A subscriber whose buffer is full loses its oldest
// snapshot, so the latest status always gets through.
func (h *Hub) Publish(_ context.Context, p models.JobProgress) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[p.JobID] {
		select {
		case sub.ch <- p:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- p:
		default:
		}
	}
	return nil
}

// CloseAll ends every subscription. The server calls it on shutdown so open
// streams return instead of holding their connections.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	// Removed from the map above, so no Publish can still be sending to them.
	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Subscribers returns the number of open subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
