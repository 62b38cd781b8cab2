// Package health drives account health transitions and their side effects.
//
// States are healthy, unhealthy and banned. Banned is terminal: every event
// leaves it unchanged, and only deleting the account removes the record.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pysugar/session-mux/internal/db/models"
	"github.com/pysugar/session-mux/internal/store"
)

// Event is an observation that may change an account's health.
type Event string

const (
	RefreshSucceeded Event = "refresh_succeeded"
	RefreshFailed    Event = "refresh_failed"
	ProbeSucceeded   Event = "probe_succeeded"
	ProbeFailed      Event = "probe_failed"
	BanSignal        Event = "ban_signal"
)

var transitions = map[models.Health]map[Event]models.Health{
	models.HealthHealthy: {
		RefreshSucceeded: models.HealthHealthy,
		RefreshFailed:    models.HealthUnhealthy,
		ProbeSucceeded:   models.HealthHealthy,
		ProbeFailed:      models.HealthUnhealthy,
		BanSignal:        models.HealthBanned,
	},
	models.HealthUnhealthy: {
		RefreshSucceeded: models.HealthHealthy,
		RefreshFailed:    models.HealthUnhealthy,
		ProbeSucceeded:   models.HealthHealthy,
		ProbeFailed:      models.HealthUnhealthy,
		BanSignal:        models.HealthBanned,
	},
}

// Next returns the state reached from current on event.
func Next(current models.Health, event Event) models.Health {
	if current == models.HealthBanned {
		return models.HealthBanned
	}
	row, ok := transitions[current]
	if !ok {
		// unknown stored value, treat as healthy
		row = transitions[models.HealthHealthy]
	}
	if next, ok := row[event]; ok {
		return next
	}
	return current
}

// Transition is the result of applying one event.
type Transition struct {
	Email         string
	From          models.Health
	To            models.Health
	ClearedActive bool
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Notifier is told when the active pointer changed as a side effect.
type Notifier interface {
	Bump(ctx context.Context) (int64, error)
}

// Store is the subset of the account store the machine writes through.
type Store interface {
	Get(ctx context.Context, email string) (*models.Account, error)
	SetHealth(ctx context.Context, email string, health models.Health) error
	MarkBanned(ctx context.Context, email string) (store.BanOutcome, error)
}

// Machine applies events against persisted account state.
type Machine struct {
	store  Store
	signal Notifier
}

// NewMachine creates a machine. signal may be nil when no adapter listens.
func NewMachine(s Store, signal Notifier) *Machine {
	return &Machine{store: s, signal: signal}
}

// Apply moves email along the transition table and performs the side effects
// of the target state. Entering banned clears the active pointer and records
// a ban notice atomically, then bumps the signal.
func (m *Machine) Apply(ctx context.Context, email string, event Event) (Transition, error) {
	acc, err := m.store.Get(ctx, email)
	if err != nil {
		return Transition{}, err
	}
	t := Transition{Email: acc.Email, From: acc.Health, To: Next(acc.Health, event)}

	switch {
	case t.To == models.HealthBanned:
		out, err := m.store.MarkBanned(ctx, acc.Email)
		if err != nil {
			return t, err
		}
		t.ClearedActive = out.WasActive
		if !out.AlreadyBanned {
			log.Printf("⛔ Account %s banned (was active: %v)", acc.Email, out.WasActive)
		}
		if out.WasActive {
			m.bump(ctx)
		}
	case t.Changed():
		if err := m.store.SetHealth(ctx, acc.Email, t.To); err != nil {
			// banned concurrently; the terminal state wins
			if isBanned(err) {
				t.To = models.HealthBanned
				return t, nil
			}
			return t, fmt.Errorf("apply %s to %s: %w", event, acc.Email, err)
		}
		log.Printf("🩺 Account %s: %s -> %s (%s)", acc.Email, t.From, t.To, event)
	}
	return t, nil
}

// Ban is shorthand for applying BanSignal.
func (m *Machine) Ban(ctx context.Context, email string) (Transition, error) {
	return m.Apply(ctx, email, BanSignal)
}

func (m *Machine) bump(ctx context.Context) {
	if m.signal == nil {
		return
	}
	if _, err := m.signal.Bump(ctx); err != nil {
		log.Printf("⚠️ Failed to bump active signal: %v", err)
	}
}

func isBanned(err error) bool {
	return errors.Is(err, store.ErrAccountBanned)
}
