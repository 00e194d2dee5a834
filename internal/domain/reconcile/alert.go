package reconcile

import (
	"context"
	"log"
)

// Alerter notifies an operator about conditions that need a human:
// a connection whose refresh token was rejected, or a transfer whose
// checkpoint could not be written.
// Implemented by the Firebase FCM client in the infrastructure layer.
type Alerter interface {
	Alert(ctx context.Context, title, body string, data map[string]string) error
}

// LogAlerter writes alerts to the process log. Used when no push channel is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, title, body string, data map[string]string) error {
	log.Printf("ALERT: %s: %s %v", title, body, data)
	return nil
}
