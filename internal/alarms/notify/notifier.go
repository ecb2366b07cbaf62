package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	alarmapp "medication-reminder/internal/alarms/application"
	"medication-reminder/internal/observability/logging"
	"medication-reminder/internal/observability/metrics"
)

// Clock provides time for dedupe bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier turns alarm events into messages and fans them out to recipients over every channel.
type Notifier struct {
	directory      IdentityDirectory
	channels       []Channel
	template       *Template
	clock          Clock
	logger         logrus.FieldLogger
	mu             sync.Mutex
	sent           map[string]sendRecord
	dedupeWindow   time.Duration
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout bounds one fan-out.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithDedupeWindow suppresses identical messages to the same recipient within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs an alarm notifier.
func NewNotifier(directory IdentityDirectory, channels []Channel, template *Template, opts ...Option) (*Notifier, error) {
	if directory == nil {
		return nil, errors.New("alarm notifier: nil identity directory")
	}
	active := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch != nil {
			active = append(active, ch)
		}
	}
	if len(active) == 0 {
		return nil, errors.New("alarm notifier: no channels")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate(nil, nil)
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		directory:      directory,
		channels:       active,
		template:       template,
		clock:          systemClock{},
		logger:         logging.Discard(),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithField("component", "notifier")
	return n, nil
}

// Notify implements AlarmNotifier. Patient events go to the patient; missed doses go to caregivers.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	n.NotifyDelivered(ctx, event)
}

// NotifyDelivered is Notify reporting whether any recipient was reached on any channel.
func (n *Notifier) NotifyDelivered(ctx context.Context, event alarmapp.AlarmEvent) bool {
	if n == nil || !n.template.Supports(event.Type) {
		return false
	}
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), n.requestTimeout)
		defer cancel()
	}

	alarm := event.Alarm
	patient, err := n.directory.GetRecipient(ctx, alarm.PatientID)
	if err != nil {
		n.logger.WithField("alarm_id", alarm.ID).WithError(err).Warn("patient lookup failed")
	}
	patientName := alarm.PatientID
	if patient != nil && patient.Name != "" {
		patientName = patient.Name
	}

	msg, err := n.template.Render(event.Type, alarm, patientName)
	if err != nil {
		n.logger.WithField("alarm_id", alarm.ID).WithError(err).Error("render notification failed")
		return false
	}

	var recipients []Recipient
	if event.Type == alarmapp.EventMissed {
		caregivers, err := n.directory.GetCaregivers(ctx, alarm.FamilyID)
		if err != nil {
			n.logger.WithField("alarm_id", alarm.ID).WithError(err).Warn("caregiver lookup failed")
			return false
		}
		recipients = caregivers
	} else if patient != nil {
		recipients = []Recipient{*patient}
	}
	if len(recipients) == 0 {
		n.logger.WithFields(logrus.Fields{"alarm_id": alarm.ID, "event": event.Type}).Info("no recipients")
		return false
	}
	delivered := false
	for _, result := range n.Deliver(ctx, recipients, msg) {
		if result.Delivered() {
			delivered = true
		}
	}
	return delivered
}

// Deliver sends msg to every recipient over every channel in parallel and returns one outcome per recipient.
// Tokens reported invalid are pruned through the identity directory.
func (n *Notifier) Deliver(ctx context.Context, recipients []Recipient, msg Message) []RecipientOutcome {
	if n == nil {
		return nil
	}
	results := make([]RecipientOutcome, len(recipients))
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		results[i] = RecipientOutcome{RecipientID: recipient.ID}
		if !n.shouldSend(recipient.ID, msg) {
			results[i].Suppressed = true
			continue
		}
		results[i].Outcomes = make([]Outcome, len(n.channels))
		for j, channel := range n.channels {
			wg.Add(1)
			go func(i, j int, recipient Recipient, channel Channel) {
				defer wg.Done()
				results[i].Outcomes[j] = n.send(ctx, channel, recipient, msg)
			}(i, j, recipient, channel)
		}
	}
	wg.Wait()

	for i, recipient := range recipients {
		result := results[i]
		if result.Suppressed {
			continue
		}
		for _, outcome := range result.Outcomes {
			if len(outcome.InvalidTokens) == 0 {
				continue
			}
			metrics.AddPrunedTokens(outcome.Channel, len(outcome.InvalidTokens))
			if err := n.directory.PruneTokens(ctx, recipient.ID, outcome.Channel, outcome.InvalidTokens); err != nil {
				n.logger.WithFields(logrus.Fields{"recipient_id": recipient.ID, "channel": outcome.Channel}).WithError(err).Warn("prune tokens failed")
			}
		}
		if err := result.Err(); err != nil {
			n.logger.WithFields(logrus.Fields{"recipient_id": recipient.ID, "alarm_id": msg.AlarmID}).WithError(err).Warn("delivery failed")
		}
		if result.Delivered() {
			n.markSent(recipient.ID, msg)
		}
	}
	return results
}

func (n *Notifier) send(ctx context.Context, channel Channel, recipient Recipient, msg Message) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Channel: channel.Name(), Err: errors.New("channel panicked")}
		}
		result := metrics.ResultSuccess
		switch {
		case outcome.Err != nil:
			result = metrics.ResultError
		case outcome.Delivered == 0:
			result = metrics.ResultSkipped
		}
		metrics.IncDelivery(outcome.Channel, result)
	}()
	outcome = channel.Send(ctx, recipient, msg)
	if outcome.Channel == "" {
		outcome.Channel = channel.Name()
	}
	return outcome
}

func (n *Notifier) shouldSend(recipientID string, msg Message) bool {
	if n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(recipientID, msg)
	now := n.clock.Now().UTC()

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	return record.hash != hashContent(msg) || now.Sub(record.at) >= n.dedupeWindow
}

func (n *Notifier) markSent(recipientID string, msg Message) {
	if n.dedupeWindow <= 0 {
		return
	}
	key := notificationKey(recipientID, msg)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(msg),
	}
	n.mu.Unlock()
}

func notificationKey(recipientID string, msg Message) string {
	return recipientID + "|" + msg.AlarmID + "|" + msg.Event
}

func hashContent(msg Message) string {
	sum := sha1.Sum([]byte(msg.Title + "\n" + msg.Body))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

var _ alarmapp.AlarmNotifier = (*Notifier)(nil)
