package actions

import (
	"context"
	"log/slog"

	"github.com/petal-labs/reactor/core"
)

func newLogAction(d Declaration, level slog.Level, logger *slog.Logger) core.Action {
	message := d.Message
	if message == "" {
		message = "change observed"
	}
	return core.NewAction(d.Name, describe(d, "Log the change event"), func(ctx context.Context, event core.Event) (any, error) {
		attrs := []any{
			"action", d.Name,
			"kind", event.Kind,
			"event_id", event.ID,
			"source", event.Source,
		}
		if user := UserID(event.Payload); user != "" {
			attrs = append(attrs, "user_id", user)
		}
		logger.Log(ctx, level, message, attrs...)
		return nil, nil
	})
}
