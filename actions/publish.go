package actions

import (
	"context"
	"fmt"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
)

// newPublishAction emits a follow-up change event. When the configured payload
// has no user_id, the triggering event's user is carried over.
func newPublishAction(d Declaration, publisher bus.Publisher) core.Action {
	return core.NewAction(d.Name, describe(d, "Publish "+string(d.Kind)), func(_ context.Context, event core.Event) (any, error) {
		values := make(map[string]any, len(d.Payload)+1)
		for k, v := range d.Payload {
			values[k] = v
		}
		if _, ok := values["user_id"]; !ok {
			if user := UserID(event.Payload); user != "" {
				values["user_id"] = user
			}
		}

		payload, err := core.PayloadFromMap(d.Kind, values)
		if err != nil {
			return nil, fmt.Errorf("build %s payload: %w", d.Kind, err)
		}
		next := core.NewEvent(payload, "action:"+d.Name)
		publisher.Publish(next)
		return next.ID, nil
	})
}

// UserID returns the user a payload concerns, if any.
func UserID(p core.Payload) string {
	switch v := p.(type) {
	case core.SignedIn:
		return v.UserID
	case core.SignedOut:
		return v.UserID
	case core.OnboardingCompleted:
		return v.UserID
	case core.AssessmentUpdated:
		return v.UserID
	case core.SummaryRequested:
		return v.UserID
	case core.Custom:
		if s, ok := v.Data["user_id"].(string); ok {
			return s
		}
	}
	return ""
}
