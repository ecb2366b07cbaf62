package notify

import (
	"context"

	alarmapp "medication-reminder/internal/alarms/application"
)

// MultiNotifier dispatches alarm events to multiple notifiers.
type MultiNotifier struct {
	notifiers []alarmapp.AlarmNotifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...alarmapp.AlarmNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}

// NotifyDelivered forwards events to all notifiers and reports whether any notifier that
// tracks delivery reached a recipient.
func (m *MultiNotifier) NotifyDelivered(ctx context.Context, event alarmapp.AlarmEvent) bool {
	if m == nil {
		return false
	}
	delivered := false
	for _, notifier := range m.notifiers {
		switch n := notifier.(type) {
		case nil:
		case alarmapp.DeliveryNotifier:
			if n.NotifyDelivered(ctx, event) {
				delivered = true
			}
		default:
			n.Notify(ctx, event)
		}
	}
	return delivered
}
