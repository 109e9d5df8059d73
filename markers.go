package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StepKey identifies one step of one saga. Its storage form encodes the
// tuple, so no (eventID, step) pair can collide with another.
type StepKey struct {
	EventID string   `json:"eventId"`
	Step    StepName `json:"step"`
}

// String returns the storage key of the marker
func (k StepKey) String() string {
	return "saga/step/" + encodeTuple(k.EventID, string(k.Step))
}

func quantityKey(eventID string) string {
	return "saga/quantity/" + encodeTuple(eventID)
}

func outcomeKey(eventID string) string {
	return "saga/outcome/" + encodeTuple(eventID)
}

func encodeTuple(parts ...string) string {
	b, _ := json.Marshal(parts)
	return string(b)
}

// Markers persists step markers in a durable KeyValueStore
type Markers struct {
	kv  KeyValueStore
	now func() time.Time
}

// NewMarkers wraps kv
func NewMarkers(kv KeyValueStore) *Markers {
	return &Markers{kv: kv, now: time.Now}
}

// Load returns the marker for key, or nil if the step never started
func (m *Markers) Load(ctx context.Context, key StepKey) (*SagaStep, error) {
	raw, err := m.kv.Get(ctx, key.String())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load marker %s/%s: %w", key.EventID, key.Step, err)
	}
	var step SagaStep
	if err := json.Unmarshal(raw, &step); err != nil {
		return nil, fmt.Errorf("failed to decode marker %s/%s: %w", key.EventID, key.Step, err)
	}
	return &step, nil
}

// Claim writes a pending marker unless one exists. When the step was
// already claimed it returns the existing marker and claimed=false.
func (m *Markers) Claim(ctx context.Context, key StepKey) (claimed bool, existing *SagaStep, err error) {
	pending := SagaStep{Key: key, Status: StepPending, UpdatedAt: m.now().UTC()}
	raw, err := json.Marshal(pending)
	if err != nil {
		return false, nil, err
	}
	ok, err := m.kv.SetIfAbsent(ctx, key.String(), raw)
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim marker %s/%s: %w", key.EventID, key.Step, err)
	}
	if ok {
		return true, nil, nil
	}
	existing, err = m.Load(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Finish records the terminal status of a claimed step
func (m *Markers) Finish(ctx context.Context, step SagaStep) error {
	step.UpdatedAt = m.now().UTC()
	raw, err := json.Marshal(step)
	if err != nil {
		return err
	}
	if err := m.kv.Set(ctx, step.Key.String(), raw); err != nil {
		return fmt.Errorf("failed to finish marker %s/%s: %w", step.Key.EventID, step.Key.Step, err)
	}
	return nil
}

// outcomeFromMarker reports a step that was claimed in an earlier run
func outcomeFromMarker(step *SagaStep) StepOutcome {
	switch step.Status {
	case StepDone:
		return Ok(step.Ref)
	case StepFailed:
		return Fail(step.Error)
	default:
		if step.TxID != "" {
			return Unknown("submitted as " + step.TxID + " but validation was never observed")
		}
		return Unknown("step was claimed but its result was never recorded")
	}
}
