package booking

import "context"

// NoopNotifier is a stub NotifyClient that drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, string, string, string) error {
	return nil
}
