package core

import "sync"

// DefaultHistoryCapacity is the number of terminal records kept by default.
const DefaultHistoryCapacity = 50

// MemoryHistory is a fixed-size ring of terminal records, newest first on read.
type MemoryHistory struct {
	mu    sync.Mutex
	items []ExecutionRecord
	head  int
	count int
}

// NewMemoryHistory creates a ring holding capacity records; values below one
// select DefaultHistoryCapacity.
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &MemoryHistory{items: make([]ExecutionRecord, capacity)}
}

// Add stores record, evicting the oldest one when full.
func (h *MemoryHistory) Add(record ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Recent returns up to limit records in newest-first order; limit <= 0 means all.
func (h *MemoryHistory) Recent(limit int) []ExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}
	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]ExecutionRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

// Last returns the most recent record.
func (h *MemoryHistory) Last() (ExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return ExecutionRecord{}, false
	}
	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}

// Find returns the newest stored record of the logical id.
func (h *MemoryHistory) Find(id string) (ExecutionRecord, bool) {
	for _, rec := range h.Recent(0) {
		if rec.Descriptor.ID == id {
			return rec, true
		}
	}
	return ExecutionRecord{}, false
}

// Len returns how many records are stored.
func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Clear drops every record.
func (h *MemoryHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.items)
	h.head = 0
	h.count = 0
}
