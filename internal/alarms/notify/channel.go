package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Priority controls how urgently a channel presents a message.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

const (
	ChannelWebPush = "web_push"
	ChannelMobile  = "mobile_push"
	ChannelInApp   = "in_app"
)

// Message is the rendered content delivered to one recipient.
type Message struct {
	AlarmID  string   `json:"alarm_id"`
	Event    string   `json:"event"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority Priority `json:"priority"`
}

// Address is one delivery token of a recipient on a channel.
type Address struct {
	Channel string
	Token   string
}

// Recipient is a patient or caregiver resolved by the identity directory.
type Recipient struct {
	ID             string
	Name           string
	ReceivesAlerts bool
	Addresses      []Address
}

// Tokens returns the recipient's tokens for a channel.
func (r Recipient) Tokens(channel string) []string {
	var tokens []string
	for _, addr := range r.Addresses {
		if addr.Channel == channel && addr.Token != "" {
			tokens = append(tokens, addr.Token)
		}
	}
	return tokens
}

// Outcome is the result of one channel for one recipient.
type Outcome struct {
	Channel   string
	Delivered int
	Err       error
	// InvalidTokens are tokens the provider rejected as unknown or expired.
	InvalidTokens []string
}

// Channel delivers messages to a recipient over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient Recipient, msg Message) Outcome
}

// RecipientOutcome collects the channel outcomes of one recipient.
type RecipientOutcome struct {
	RecipientID string
	Outcomes    []Outcome
	Suppressed  bool
}

// Delivered reports whether at least one channel reached the recipient.
func (o RecipientOutcome) Delivered() bool {
	for _, outcome := range o.Outcomes {
		if outcome.Delivered > 0 {
			return true
		}
	}
	return false
}

// Err returns a DeliveryError when any channel failed.
func (o RecipientOutcome) Err() error {
	failures := make(map[string]error)
	for _, outcome := range o.Outcomes {
		if outcome.Err != nil {
			failures[outcome.Channel] = outcome.Err
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &DeliveryError{RecipientID: o.RecipientID, Failures: failures}
}

// DeliveryError aggregates the failed channels of one recipient.
type DeliveryError struct {
	RecipientID string
	Failures    map[string]error
}

func (e *DeliveryError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("delivery to %s failed (%s)", e.RecipientID, strings.Join(parts, "; "))
}

// IdentityDirectory resolves recipients and prunes dead tokens.
type IdentityDirectory interface {
	GetRecipient(ctx context.Context, userID string) (*Recipient, error)
	// GetCaregivers returns family members of familyID with ReceivesAlerts set.
	GetCaregivers(ctx context.Context, familyID string) ([]Recipient, error)
	PruneTokens(ctx context.Context, recipientID, channel string, tokens []string) error
}
