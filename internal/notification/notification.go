package notification

import (
	"context"
	"log/slog"
)

const (
	// KindTransactionCompleted announces a settled transaction to its parties.
	KindTransactionCompleted = "transaction_completed"
	// KindTransactionFailed announces a rejected transaction attempt.
	KindTransactionFailed = "transaction_failed"
	// KindKYCResult announces a verification outcome.
	KindKYCResult = "kyc_result"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems. Delivery is
// fire-and-forget; the wallet core has no obligations beyond handing the
// message over.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}
