// Package schema checks call events before they are published.
package schema

import (
	"errors"
	"fmt"

	"github.com/basita512/Conversational-IVR/internal/models"
)

// ErrInvalidEvent is returned for an event missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks required fields of the models event types.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate returns an error wrapping ErrInvalidEvent when event is not a
// well-formed call event.
func (v *Validator) Validate(event any) error {
	switch ev := event.(type) {
	case models.TranscriptEvent:
		return v.Validate(&ev)
	case *models.TranscriptEvent:
		if err := common(ev.EventType, models.EventTypeTranscript, ev.CallID, ev.Timestamp); err != nil {
			return err
		}
		if ev.Text == "" {
			return fmt.Errorf("%w: transcript text is empty", ErrInvalidEvent)
		}
	case models.ActionEvent:
		return v.Validate(&ev)
	case *models.ActionEvent:
		if err := common(ev.EventType, models.EventTypeAction, ev.CallID, ev.Timestamp); err != nil {
			return err
		}
		switch ev.Action {
		case models.ActionPlay, models.ActionTransfer, models.ActionNone, models.ActionHangup:
		default:
			return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, ev.Action)
		}
	case models.SessionEvent:
		return v.Validate(&ev)
	case *models.SessionEvent:
		if err := common(ev.EventType, models.EventTypeSession, ev.CallID, ev.Timestamp); err != nil {
			return err
		}
		if ev.State != models.SessionStarted && ev.State != models.SessionEnded {
			return fmt.Errorf("%w: unknown session state %q", ErrInvalidEvent, ev.State)
		}
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
	return nil
}

func common(got, want, callID string, ts int64) error {
	if got != want {
		return fmt.Errorf("%w: eventType %q, want %q", ErrInvalidEvent, got, want)
	}
	if callID == "" {
		return fmt.Errorf("%w: callId is empty", ErrInvalidEvent)
	}
	if ts <= 0 {
		return fmt.Errorf("%w: timestamp not set", ErrInvalidEvent)
	}
	return nil
}
