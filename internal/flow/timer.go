package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FollowMyVote/assistant/internal/models"
)

// timerEntry tracks a pending phase timeout.
type timerEntry struct {
	id          string
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// PhaseTimer keeps at most one pending timeout per phase. Arming a phase
// replaces its previous timeout. Expired callbacks are posted to the event
// loop and run only if the timeout is still the phase's current one, so a
// cancelled or replaced timeout never fires.
type PhaseTimer struct {
	post   func(func())
	timers map[models.Phase]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

// NewPhaseTimer creates a PhaseTimer whose callbacks run through post.
func NewPhaseTimer(post func(func())) *PhaseTimer {
	slog.Debug("Creating PhaseTimer")
	return &PhaseTimer{
		post:   post,
		timers: make(map[models.Phase]*timerEntry),
	}
}

// Arm schedules fn to run after delay for phase and returns the timeout ID.
func (t *PhaseTimer) Arm(phase models.Phase, delay time.Duration, fn func()) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("%s_%d", phase, t.nextID)
	if old, exists := t.timers[phase]; exists {
		old.timer.Stop()
		slog.Debug("PhaseTimer Arm replaced pending timeout", "phase", phase, "old_id", old.id, "id", id)
	}

	now := time.Now()
	entry := &timerEntry{
		id:          id,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: fmt.Sprintf("%s timeout after %v", phase, delay),
	}
	entry.timer = time.AfterFunc(delay, func() {
		t.post(func() { t.fire(phase, id, fn) })
	})
	t.timers[phase] = entry

	slog.Debug("PhaseTimer Arm succeeded", "phase", phase, "id", id, "delay", delay)
	return id
}

func (t *PhaseTimer) fire(phase models.Phase, id string, fn func()) {
	t.mu.Lock()
	entry, exists := t.timers[phase]
	if !exists || entry.id != id {
		t.mu.Unlock()
		slog.Debug("PhaseTimer dropped superseded timeout", "phase", phase, "id", id)
		return
	}
	delete(t.timers, phase)
	t.mu.Unlock()

	slog.Debug("PhaseTimer executing timeout", "phase", phase, "id", id)
	fn()
}

// Cancel disarms the pending timeout for phase. It reports whether one was pending.
func (t *PhaseTimer) Cancel(phase models.Phase) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.timers[phase]
	if !exists {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, phase)
	slog.Debug("PhaseTimer Cancel succeeded", "phase", phase, "id", entry.id)
	return true
}

// Pending reports whether phase has an armed timeout.
func (t *PhaseTimer) Pending(phase models.Phase) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.timers[phase]
	return exists
}

// Stop cancels every pending timeout.
func (t *PhaseTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	t.timers = make(map[models.Phase]*timerEntry)
	slog.Info("PhaseTimer stopped all timeouts")
}

// ListActive returns information about all pending timeouts.
func (t *PhaseTimer) ListActive() []models.TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]models.TimerInfo, 0, len(t.timers))
	now := time.Now()
	for phase, entry := range t.timers {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.TimerInfo{
			ID:          entry.id,
			Phase:       phase,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.String(),
			Description: entry.description,
		})
	}
	return result
}
