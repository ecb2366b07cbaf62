package memory

import (
	"context"
	"sort"
	"sync"

	"medication-reminder/internal/alarms/notify"
)

// IdentityDirectory is an in-memory recipient directory.
type IdentityDirectory struct {
	mu         sync.RWMutex
	recipients map[string]notify.Recipient
	families   map[string][]string
}

// NewIdentityDirectory constructs an empty directory.
func NewIdentityDirectory() *IdentityDirectory {
	return &IdentityDirectory{
		recipients: make(map[string]notify.Recipient),
		families:   make(map[string][]string),
	}
}

// Put stores a recipient and, when familyID is set, adds it to the family.
func (d *IdentityDirectory) Put(familyID string, recipient notify.Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients[recipient.ID] = recipient
	if familyID == "" {
		return
	}
	for _, id := range d.families[familyID] {
		if id == recipient.ID {
			return
		}
	}
	d.families[familyID] = append(d.families[familyID], recipient.ID)
}

// GetRecipient returns nil when the user is unknown.
func (d *IdentityDirectory) GetRecipient(ctx context.Context, userID string) (*notify.Recipient, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	recipient, ok := d.recipients[userID]
	if !ok {
		return nil, nil
	}
	recipient.Addresses = append([]notify.Address(nil), recipient.Addresses...)
	return &recipient, nil
}

// GetCaregivers returns family members with ReceivesAlerts set, ordered by id.
func (d *IdentityDirectory) GetCaregivers(ctx context.Context, familyID string) ([]notify.Recipient, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	var result []notify.Recipient
	for _, id := range d.families[familyID] {
		recipient, ok := d.recipients[id]
		if !ok || !recipient.ReceivesAlerts {
			continue
		}
		recipient.Addresses = append([]notify.Address(nil), recipient.Addresses...)
		result = append(result, recipient)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PruneTokens removes tokens from a recipient.
func (d *IdentityDirectory) PruneTokens(ctx context.Context, recipientID, channel string, tokens []string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	recipient, ok := d.recipients[recipientID]
	if !ok {
		return nil
	}
	drop := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		drop[token] = true
	}
	kept := recipient.Addresses[:0:0]
	for _, addr := range recipient.Addresses {
		if addr.Channel == channel && drop[addr.Token] {
			continue
		}
		kept = append(kept, addr)
	}
	recipient.Addresses = kept
	d.recipients[recipientID] = recipient
	return nil
}
