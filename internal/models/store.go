package models

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// Binds the model queries to a database so that they can be handed
// to the workers as narrow interfaces.
type Store struct {
	DB *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) FindDomain(ctx context.Context, name string) (*Domain, error) {
	return FindDomain(ctx, s.DB, name)
}

func (s *Store) FindAlias(ctx context.Context, domainID int64, localPart string) (*EmailAlias, error) {
	return FindAlias(ctx, s.DB, domainID, localPart)
}

func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	return ListDomains(ctx, s.DB)
}

func (s *Store) SetDomainVerified(ctx context.Context, id int64, verified bool) error {
	return SetDomainVerified(ctx, s.DB, id, verified)
}

func (s *Store) DueMessages(ctx context.Context, at time.Time, limit int) ([]*EmailMessage, error) {
	return DueMessages(ctx, s.DB, at, limit)
}

func (s *Store) SaveDeliveryState(ctx context.Context, message *EmailMessage) error {
	return SaveDeliveryState(ctx, s.DB, message)
}

func (s *Store) EnqueueMessages(ctx context.Context, messages []*EmailMessage) error {
	return EnqueueMessages(ctx, s.DB, messages)
}
