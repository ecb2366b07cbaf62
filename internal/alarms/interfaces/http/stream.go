package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	alarmapp "medication-reminder/internal/alarms/application"
	"medication-reminder/internal/alarms/notify"
	"medication-reminder/internal/auth"
)

const (
	streamEventAlarm        = "alarm"
	streamEventNotification = "notification"
)

type streamPayload struct {
	event string
	data  []byte
}

// Subscription is one connected stream client.
type Subscription struct {
	userID   string
	familyID string
	ch       chan streamPayload
}

// SSEBroker fans out alarm events to connected clients.
// It is both the in-app delivery channel of the notifier and an alarm notifier for live status updates.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[*Subscription]struct{})}
}

var (
	_ notify.Channel         = (*SSEBroker)(nil)
	_ alarmapp.AlarmNotifier = (*SSEBroker)(nil)
)

// Name implements notify.Channel.
func (b *SSEBroker) Name() string { return notify.ChannelInApp }

// Send delivers a rendered message to the recipient's open streams.
func (b *SSEBroker) Send(_ context.Context, recipient notify.Recipient, msg notify.Message) notify.Outcome {
	outcome := notify.Outcome{Channel: notify.ChannelInApp}
	if b == nil {
		return outcome
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Delivered = b.publish(streamPayload{event: streamEventNotification, data: payload}, func(s *Subscription) bool {
		return s.userID == recipient.ID
	})
	return outcome
}

// Notify implements AlarmNotifier. The patient and subscribed caregivers of the family see every status change.
func (b *SSEBroker) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	alarm := event.Alarm
	b.publish(streamPayload{event: streamEventAlarm, data: payload}, func(s *Subscription) bool {
		return s.userID == alarm.PatientID || (s.familyID != "" && s.familyID == alarm.FamilyID)
	})
}

// Subscribe registers a client. familyID is set for caregivers following a whole family.
func (b *SSEBroker) Subscribe(userID, familyID string) *Subscription {
	if b == nil {
		return nil
	}
	s := &Subscription{userID: userID, familyID: familyID, ch: make(chan streamPayload, 16)}
	b.mu.Lock()
	b.clients[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a client.
func (b *SSEBroker) Unsubscribe(s *Subscription) {
	if b == nil || s == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[s]; ok {
		delete(b.clients, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Clients returns the number of connected clients.
func (b *SSEBroker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// publish sends to matching clients without blocking; slow clients drop events.
func (b *SSEBroker) publish(payload streamPayload, match func(*Subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	for s := range b.clients {
		if !match(s) {
			continue
		}
		select {
		case s.ch <- payload:
			delivered++
		default:
		}
	}
	return delivered
}

// StreamHandler serves SSE alarm stream.
type StreamHandler struct {
	broker *SSEBroker
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

// ServeHTTP handles GET /api/v1/alarms/stream.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	identity := auth.IdentityFromContext(r.Context())
	if identity.Subject == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	familyID := ""
	if identity.Role == auth.RoleCaregiver {
		familyID = identity.FamilyID
	}
	sub := h.broker.Subscribe(identity.Subject, familyID)
	defer h.broker.Unsubscribe(sub)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case payload, ok := <-sub.ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + payload.event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload.data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
