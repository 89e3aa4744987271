// Package events publishes an audit record for every terminal verification
// decision.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"nameguard-service/internal/models"
)

// DecisionEvent is the audit record of one verification attempt.
type DecisionEvent struct {
	ID           string         `json:"id"`
	Key          string         `json:"name_key"`
	DisplayName  string         `json:"display_name"`
	Edition      models.Edition `json:"edition"`
	MaskedIP     string         `json:"masked_ip"`
	Outcome      models.Outcome `json:"outcome"`
	Detail       string         `json:"detail"`
	Similarity   float64        `json:"similarity"`
	Provider     string         `json:"provider,omitempty"`
	IsNewBinding bool           `json:"is_new_binding"`
	IsSoftMatch  bool           `json:"is_soft_match"`
	Trust        string         `json:"trust,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewDecisionEvent flattens a decision into an event. Detail holds the
// trust basis, challenge kind or deny reason depending on the outcome.
func NewDecisionEvent(key, displayName string, edition models.Edition, maskedIP string, d models.Decision, now time.Time) DecisionEvent {
	ev := DecisionEvent{
		ID:          uuid.NewString(),
		Key:         key,
		DisplayName: displayName,
		Edition:     edition,
		MaskedIP:    maskedIP,
		Outcome:     d.Outcome(),
		Timestamp:   now,
	}
	switch v := d.(type) {
	case models.Allowed:
		ev.Detail = string(v.TrustBasis)
		ev.Similarity = v.Similarity
		ev.Provider = v.Provider
		ev.IsNewBinding = v.IsNewBinding
		ev.IsSoftMatch = v.IsSoftMatch
	case models.NeedsChallenge:
		ev.Detail = string(v.Kind)
		ev.Similarity = v.Similarity
	case models.Denied:
		ev.Detail = string(v.Reason)
	}
	return ev
}

// Sink receives decision events.
type Sink interface {
	Publish(ctx context.Context, ev DecisionEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, DecisionEvent) error { return nil }
func (Nop) Close() error                                 { return nil }

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev DecisionEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
