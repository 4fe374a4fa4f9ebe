package gateway

import (
	"sync"
	"time"
)

// WeightCounter tracks request weight spent in the current calendar minute.
// The counter resets to zero on the first update of a new minute rather than
// decaying, so weight spent late in one minute is forgotten at the boundary
// even though the venue may still count it.
type WeightCounter struct {
	mu     sync.Mutex
	limit  int
	weight int
	minute time.Time
}

// NewWeightCounter creates a counter with the given per-minute limit. A
// limit of zero or less lets TryAdd accept everything.
func NewWeightCounter(limit int) *WeightCounter {
	return &WeightCounter{limit: limit}
}

// Update adds weight at now and returns the weight counted for now's minute.
// A negative weight refunds, never below zero.
func (w *WeightCounter) Update(weight int, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	w.weight = max(w.weight+weight, 0)
	return w.weight
}

// TryAdd adds weight at now unless that would pass the limit. The check and
// the add happen under one lock, so concurrent callers cannot overshoot.
func (w *WeightCounter) TryAdd(weight int, now time.Time) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	if w.limit > 0 && w.weight+weight > w.limit {
		return w.weight, false
	}
	w.weight += weight
	return w.weight, true
}

// Current returns the weight counted for now's minute.
func (w *WeightCounter) Current(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	return w.weight
}

func (w *WeightCounter) rollLocked(now time.Time) {
	m := now.Truncate(time.Minute)
	if !m.Equal(w.minute) {
		w.minute = m
		w.weight = 0
	}
}
