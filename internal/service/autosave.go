package service

import (
	"sync"
	"time"
)

// Autosaver debounces persistence per conversation: each Schedule call
// resets that conversation's timer, so a burst of stream fragments
// collapses into one save shortly after the burst ends.
type Autosaver struct {
	delay time.Duration
	save  func(conversationID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewAutosaver creates an Autosaver calling save after delay of quiet.
func NewAutosaver(delay time.Duration, save func(conversationID string)) *Autosaver {
	return &Autosaver{
		delay:  delay,
		save:   save,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the debounce timer for a conversation.
func (a *Autosaver) Schedule(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.timers[conversationID]; ok {
		t.Reset(a.delay)
		return
	}
	a.timers[conversationID] = time.AfterFunc(a.delay, func() {
		a.mu.Lock()
		delete(a.timers, conversationID)
		a.mu.Unlock()
		a.save(conversationID)
	})
}

// Cancel drops any pending save for a conversation.
func (a *Autosaver) Cancel(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.timers[conversationID]; ok {
		t.Stop()
		delete(a.timers, conversationID)
	}
}

// Pending reports whether a save is currently scheduled.
func (a *Autosaver) Pending(conversationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[conversationID]
	return ok
}
