package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrWebhookNotFound is returned when a webhook id does not resolve.
var ErrWebhookNotFound = errors.New("webhook not found")

// Webhook attributes out-of-band flag submissions to an exploit/player
// pair. The id doubles as the unguessable URL path.
type Webhook struct {
	ID       string `json:"id"`
	Exploit  string `json:"exploit"`
	Player   string `json:"player"`
	Disabled bool   `json:"disabled"`
}

// CreateWebhook registers a webhook under a fresh random id.
func (s *Store) CreateWebhook(ctx context.Context, exploit, player string) (Webhook, error) {
	w := Webhook{
		ID:      uuid.NewString(),
		Exploit: exploit,
		Player:  player,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, exploit, player, disabled) VALUES (?, ?, ?, 0)`,
		w.ID, w.Exploit, w.Player)
	if err != nil {
		return Webhook{}, errors.Wrap(err, "creating webhook")
	}
	return w, nil
}

// GetWebhook resolves a webhook by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	var disabled int
	row := s.db.QueryRowContext(ctx,
		`SELECT id, exploit, player, disabled FROM webhooks WHERE id = ?`, id)
	if err := row.Scan(&w.ID, &w.Exploit, &w.Player, &disabled); err != nil {
		if err == sql.ErrNoRows {
			return Webhook{}, ErrWebhookNotFound
		}
		return Webhook{}, err
	}
	w.Disabled = disabled != 0
	return w, nil
}

// ListWebhooks returns all webhooks.
func (s *Store) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exploit, player, disabled FROM webhooks ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks := []Webhook{}
	for rows.Next() {
		var w Webhook
		var disabled int
		if err := rows.Scan(&w.ID, &w.Exploit, &w.Player, &disabled); err != nil {
			return nil, err
		}
		w.Disabled = disabled != 0
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// UpdateWebhook rewrites a webhook's attribution or disabled state.
func (s *Store) UpdateWebhook(ctx context.Context, w Webhook) error {
	disabled := 0
	if w.Disabled {
		disabled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET exploit = ?, player = ?, disabled = ? WHERE id = ?`,
		w.Exploit, w.Player, disabled, w.ID)
	if err != nil {
		return errors.Wrap(err, "updating webhook")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWebhookNotFound
	}
	return nil
}
