package events

import (
	"context"
	"errors"

	"supportdesk/internal/models"
	"supportdesk/internal/services"
)

// Fanout 依次投递给每个 notifier，汇总错误
type Fanout []services.Notifier

// NewFanout 忽略 nil
func NewFanout(notifiers ...services.Notifier) Fanout {
	out := make(Fanout, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (f Fanout) each(fn func(services.Notifier) error) error {
	var errs []error
	for _, n := range f {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) EmitToSession(ctx context.Context, sessionID, event string, payload interface{}) error {
	return f.each(func(n services.Notifier) error { return n.EmitToSession(ctx, sessionID, event, payload) })
}

func (f Fanout) EmitToUser(ctx context.Context, userID uint, event string, payload interface{}) error {
	return f.each(func(n services.Notifier) error { return n.EmitToUser(ctx, userID, event, payload) })
}

func (f Fanout) BroadcastToRole(ctx context.Context, role models.RoleName, event string, payload interface{}) error {
	return f.each(func(n services.Notifier) error { return n.BroadcastToRole(ctx, role, event, payload) })
}
