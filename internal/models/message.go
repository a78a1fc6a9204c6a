package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type Status string

const (
	StatusPending  Status = "Pending"
	StatusRetrying Status = "Retrying"
	StatusSent     Status = "Sent"
	StatusFailed   Status = "Failed"
)

// Sent and Failed messages are never picked up by the queue again.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// One outbound delivery unit. Both composed and forwarded mail end up
// as one of these, addressed to exactly one recipient.
type EmailMessage struct {
	ID int64 `bun:",pk,autoincrement"`

	To        string `bun:"recipient,notnull"`
	Subject   string `bun:",notnull"`
	Body      string `bun:",notnull"`
	FromEmail string
	FromName  string

	Status           Status    `bun:",notnull"`
	Attempts         int       `bun:",notnull"`
	LastError        string    `bun:",nullzero"`
	NextAttemptAfter time.Time `bun:",nullzero"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	SentAt    time.Time `bun:",nullzero"`
}

func (m *EmailMessage) prepare() {
	m.Status = StatusPending
	m.Attempts = 0
	m.LastError = ""
	m.NextAttemptAfter = time.Time{}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
}

// Enqueues a single message for delivery.
func EnqueueMessage(ctx context.Context, db bun.IDB, message *EmailMessage) error {
	message.prepare()
	if _, err := db.NewInsert().Model(message).Exec(ctx); err != nil {
		return errors.Wrap(err, "could not enqueue message")
	}
	return nil
}

// Enqueues a batch of messages, either all of them are stored or none are.
func EnqueueMessages(ctx context.Context, db *bun.DB, messages []*EmailMessage) error {
	if len(messages) == 0 {
		return nil
	}

	for _, message := range messages {
		message.prepare()
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&messages).Exec(ctx); err != nil {
			return errors.Wrap(err, "could not enqueue messages")
		}
		return nil
	})
}

func GetMessage(ctx context.Context, db bun.IDB, id int64) (*EmailMessage, error) {
	message := &EmailMessage{}
	err := db.NewSelect().Model(message).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(ErrNotFound, "message %d", id)
		}
		return nil, errors.Wrap(err, "could not query messages")
	}

	return message, nil
}

// Returns up to limit messages that are waiting for a delivery attempt
// at the given time, oldest first.
func DueMessages(ctx context.Context, db bun.IDB, at time.Time, limit int) ([]*EmailMessage, error) {
	var messages []*EmailMessage
	err := db.NewSelect().
		Model(&messages).
		Where("status IN (?)", bun.In([]Status{StatusPending, StatusRetrying})).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("next_attempt_after IS NULL").
				WhereOr("next_attempt_after <= ?", at.UTC())
		}).
		Order("created_at ASC", "id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not query due messages")
	}

	return messages, nil
}

// Persists the delivery bookkeeping fields of a message.
func SaveDeliveryState(ctx context.Context, db bun.IDB, message *EmailMessage) error {
	_, err := db.NewUpdate().
		Model(message).
		Column("status", "attempts", "last_error", "next_attempt_after", "sent_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.Wrapf(err, "could not update message %d", message.ID)
	}
	return nil
}
