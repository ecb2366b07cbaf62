package postgres

import (
	"context"
	"database/sql"
	"errors"

	"medication-reminder/internal/alarms/notify"
)

// IdentityDirectory resolves patients and caregivers with their delivery tokens.
type IdentityDirectory struct {
	db *sql.DB
}

// NewIdentityDirectory constructs a directory.
func NewIdentityDirectory(db *sql.DB) *IdentityDirectory {
	return &IdentityDirectory{db: db}
}

// GetRecipient returns a user with tokens, or nil when the user does not exist.
func (d *IdentityDirectory) GetRecipient(ctx context.Context, userID string) (*notify.Recipient, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("identity directory: nil db")
	}
	rows, err := d.db.QueryContext(ctx, `
SELECT u.id, u.display_name, FALSE, t.channel, t.token
FROM users u
LEFT JOIN delivery_tokens t ON t.user_id = u.id
WHERE u.id = $1
ORDER BY t.channel, t.token`, userID)
	if err != nil {
		return nil, classify("identity directory: get recipient", err)
	}
	recipients, err := collectRecipients(rows)
	if err != nil {
		return nil, classify("identity directory: get recipient", err)
	}
	if len(recipients) == 0 {
		return nil, nil
	}
	return &recipients[0], nil
}

// GetCaregivers returns family members allowed to receive alerts.
func (d *IdentityDirectory) GetCaregivers(ctx context.Context, familyID string) ([]notify.Recipient, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("identity directory: nil db")
	}
	if familyID == "" {
		return nil, nil
	}
	rows, err := d.db.QueryContext(ctx, `
SELECT u.id, u.display_name, m.receives_alerts, t.channel, t.token
FROM family_members m
JOIN users u ON u.id = m.user_id
LEFT JOIN delivery_tokens t ON t.user_id = u.id
WHERE m.family_id = $1 AND m.receives_alerts = TRUE
ORDER BY u.id, t.channel, t.token`, familyID)
	if err != nil {
		return nil, classify("identity directory: get caregivers", err)
	}
	recipients, err := collectRecipients(rows)
	return recipients, classify("identity directory: get caregivers", err)
}

// PruneTokens deletes tokens a channel reported as invalid.
func (d *IdentityDirectory) PruneTokens(ctx context.Context, recipientID, channel string, tokens []string) error {
	if d == nil || d.db == nil {
		return errors.New("identity directory: nil db")
	}
	for _, token := range tokens {
		if _, err := d.db.ExecContext(ctx, `
DELETE FROM delivery_tokens
WHERE user_id = $1 AND channel = $2 AND token = $3`, recipientID, channel, token); err != nil {
			return classify("identity directory: prune", err)
		}
	}
	return nil
}

// collectRecipients folds joined rows (one per token) into recipients, keeping row order.
func collectRecipients(rows *sql.Rows) ([]notify.Recipient, error) {
	defer rows.Close()
	var result []notify.Recipient
	index := make(map[string]int)
	for rows.Next() {
		var (
			id, name       string
			receivesAlerts bool
			channel, token sql.NullString
		)
		if err := rows.Scan(&id, &name, &receivesAlerts, &channel, &token); err != nil {
			return nil, err
		}
		i, ok := index[id]
		if !ok {
			result = append(result, notify.Recipient{ID: id, Name: name, ReceivesAlerts: receivesAlerts})
			i = len(result) - 1
			index[id] = i
		}
		if channel.Valid && token.Valid {
			result[i].Addresses = append(result[i].Addresses, notify.Address{Channel: channel.String, Token: token.String})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
