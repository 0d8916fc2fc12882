package service

import (
	"sync"

	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/pkg/logger"
)

// FeedHub fans appended audit records out to live subscribers, keyed by
// experiment. Dashboards and compliance tooling watch the ledger grow in real
// time; subscribers only ever see audit-facing fields.
type FeedHub struct {
	mu      sync.RWMutex
	subs    map[string]map[*FeedSubscriber]struct{}
	bufSize int
}

type FeedSubscriber struct {
	experimentID string
	ch           chan *model.AuditRecord
}

// Records is the subscriber's read side. Closed on Unsubscribe.
func (s *FeedSubscriber) Records() <-chan *model.AuditRecord {
	return s.ch
}

func NewFeedHub(bufSize int) *FeedHub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &FeedHub{
		subs:    make(map[string]map[*FeedSubscriber]struct{}),
		bufSize: bufSize,
	}
}

func (h *FeedHub) Subscribe(experimentID string) *FeedSubscriber {
	sub := &FeedSubscriber{
		experimentID: experimentID,
		ch:           make(chan *model.AuditRecord, h.bufSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[experimentID] == nil {
		h.subs[experimentID] = make(map[*FeedSubscriber]struct{})
	}
	h.subs[experimentID][sub] = struct{}{}
	return sub
}

func (h *FeedHub) Unsubscribe(sub *FeedSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.experimentID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, sub.experimentID)
		}
	}
}

// Publish delivers a record to every subscriber of its experiment. A slow
// subscriber loses records rather than stalling the ledger consumer.
func (h *FeedHub) Publish(rec *model.AuditRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[rec.ExperimentID] {
		select {
		case sub.ch <- rec:
		default:
			logger.Debug("feed subscriber lagging, dropping record",
				"experiment_id", rec.ExperimentID, "sequence", rec.Sequence)
		}
	}
}

// Close drops every subscriber.
func (h *FeedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*FeedSubscriber]struct{})
}
