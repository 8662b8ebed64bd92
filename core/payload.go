package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPayloadKind is returned when a payload does not match the kind it is
// decoded or published under.
var ErrPayloadKind = errors.New("payload kind mismatch")

// Payload is the typed body of an Event. Every change kind carries its own
// payload type; Kind reports which one.
type Payload interface {
	Kind() Kind
}

// SystemReady carries no data; it only opens the readiness gate.
type SystemReady struct{}

// Kind implements Payload.
func (SystemReady) Kind() Kind { return KindSystemReady }

// SignedIn is published after authentication succeeds.
type SignedIn struct {
	UserID string `json:"user_id"`
}

// Kind implements Payload.
func (SignedIn) Kind() Kind { return KindSignedIn }

// SignedOut is published after the session ends.
type SignedOut struct {
	UserID string `json:"user_id"`
}

// Kind implements Payload.
func (SignedOut) Kind() Kind { return KindSignedOut }

// OnboardingCompleted is published once first-run setup is finished.
type OnboardingCompleted struct {
	UserID string `json:"user_id"`
}

// Kind implements Payload.
func (OnboardingCompleted) Kind() Kind { return KindOnboardingCompleted }

// AssessmentUpdated describes a stored or re-scored assessment.
type AssessmentUpdated struct {
	UserID       string             `json:"user_id"`
	AssessmentID string             `json:"assessment_id"`
	Instrument   string             `json:"instrument,omitempty"` // e.g. "big-five", "values"
	Scores       map[string]float64 `json:"scores,omitempty"`
}

// Kind implements Payload.
func (AssessmentUpdated) Kind() Kind { return KindAssessmentUpdated }

// SummaryRequested asks for a profile summary.
type SummaryRequested struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope,omitempty"` // "profile", "values", "motivations", ...
	Force  bool   `json:"force,omitempty"`
}

// Kind implements Payload.
func (SummaryRequested) Kind() Kind { return KindSummaryRequested }

// Custom carries the payload of a kind without a dedicated type.
type Custom struct {
	Name Kind           `json:"-"`
	Data map[string]any `json:"data,omitempty"`
}

// Kind implements Payload.
func (c Custom) Kind() Kind { return c.Name }

// DecodePayload converts JSON into the typed payload for kind.
// Kinds without a dedicated type decode into Custom. Empty input yields the
// zero payload for the kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	if kind == "" {
		return nil, fmt.Errorf("decode payload: %w: empty kind", ErrPayloadKind)
	}
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindSystemReady:
		p = SystemReady{}
	case KindSignedIn:
		var v SignedIn
		err = json.Unmarshal(data, &v)
		p = v
	case KindSignedOut:
		var v SignedOut
		err = json.Unmarshal(data, &v)
		p = v
	case KindOnboardingCompleted:
		var v OnboardingCompleted
		err = json.Unmarshal(data, &v)
		p = v
	case KindAssessmentUpdated:
		var v AssessmentUpdated
		err = json.Unmarshal(data, &v)
		p = v
	case KindSummaryRequested:
		var v SummaryRequested
		err = json.Unmarshal(data, &v)
		p = v
	default:
		var m map[string]any
		err = json.Unmarshal(data, &m)
		p = Custom{Name: kind, Data: m}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// PayloadFromMap is DecodePayload for loosely typed input such as YAML
// config or decoded request bodies.
func PayloadFromMap(kind Kind, values map[string]any) (Payload, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return DecodePayload(kind, data)
}

// EncodePayload serializes a payload to JSON. Custom payloads encode their
// Data map directly so they round-trip through DecodePayload.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	if c, ok := p.(Custom); ok {
		if c.Data == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(c.Data)
	}
	return json.Marshal(p)
}
