package models_test

import (
	"context"
	"testing"
	"time"

	"github.com/ksdme/mta/internal/models"
	"github.com/ksdme/mta/internal/models/modelstest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindDomain(t *testing.T) {
	ctx := context.Background()
	db := modelstest.NewDB(t)
	created := modelstest.Domain(t, db, "Example.ORG")

	domain, err := models.FindDomain(ctx, db, "EXAMPLE.org")
	require.NoError(t, err)
	assert.Equal(t, created.ID, domain.ID)
	assert.Equal(t, "example.org", domain.Name)
	assert.Equal(t, models.DefaultDKIMSelector, domain.DKIMSelector)

	_, err = models.FindDomain(ctx, db, "unmanaged.org")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCreateDomainDuplicate(t *testing.T) {
	db := modelstest.NewDB(t)
	modelstest.Domain(t, db, "example.org")

	err := models.CreateDomain(context.Background(), db, &models.Domain{
		Name:           "EXAMPLE.org",
		DKIMPrivateKey: "unused",
		DKIMPublicKey:  "unused",
	})
	assert.True(t, errors.Is(err, models.ErrAlreadyExists))
}

func TestFindAlias(t *testing.T) {
	ctx := context.Background()
	db := modelstest.NewDB(t)

	d := modelstest.Domain(t, db, "d.org")
	modelstest.Alias(t, db, d, models.CatchAll, "b@x.org", true)
	modelstest.Alias(t, db, d, "support", "a@x.org", true)
	modelstest.Alias(t, db, d, "old", "c@x.org", false)

	other := modelstest.Domain(t, db, "other.org")
	modelstest.Alias(t, db, other, "sales", "s@x.org", true)

	tests := []struct {
		name     string
		domainID int64
		local    string
		want     string
		notFound bool
	}{
		{"exact match", d.ID, "support", "a@x.org", false},
		{"exact match is case insensitive", d.ID, "SuPPort", "a@x.org", false},
		{"catch all", d.ID, "random", "b@x.org", false},
		{"inactive alias falls back to catch all", d.ID, "old", "b@x.org", false},
		{"no catch all and no match", other.ID, "random", "", true},
		{"aliases are scoped to their domain", other.ID, "support", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alias, err := models.FindAlias(ctx, db, tt.domainID, tt.local)
			if tt.notFound {
				assert.True(t, errors.Is(err, models.ErrNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, alias.ForwardTo)
		})
	}
}

func TestDueMessages(t *testing.T) {
	ctx := context.Background()
	db := modelstest.NewDB(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	enqueue := func(to string, createdAt time.Time) *models.EmailMessage {
		message := &models.EmailMessage{To: to, Subject: "s", Body: "b", CreatedAt: createdAt}
		require.NoError(t, models.EnqueueMessage(ctx, db, message))
		return message
	}

	newer := enqueue("newer@x.org", at.Add(-time.Minute))
	older := enqueue("older@x.org", at.Add(-time.Hour))

	waiting := enqueue("waiting@x.org", at.Add(-2*time.Hour))
	waiting.Status = models.StatusRetrying
	waiting.Attempts = 1
	waiting.NextAttemptAfter = at.Add(time.Minute)
	require.NoError(t, models.SaveDeliveryState(ctx, db, waiting))

	elapsed := enqueue("elapsed@x.org", at.Add(-3*time.Hour))
	elapsed.Status = models.StatusRetrying
	elapsed.Attempts = 2
	elapsed.NextAttemptAfter = at.Add(-time.Second)
	require.NoError(t, models.SaveDeliveryState(ctx, db, elapsed))

	sent := enqueue("sent@x.org", at.Add(-4*time.Hour))
	sent.Status = models.StatusSent
	sent.SentAt = at
	require.NoError(t, models.SaveDeliveryState(ctx, db, sent))

	due, err := models.DueMessages(ctx, db, at, 10)
	require.NoError(t, err)

	var ids []int64
	for _, message := range due {
		ids = append(ids, message.ID)
	}
	assert.Equal(t, []int64{elapsed.ID, older.ID, newer.ID}, ids)

	limited, err := models.DueMessages(ctx, db, at, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, elapsed.ID, limited[0].ID)
}

func TestEnqueueMessages(t *testing.T) {
	ctx := context.Background()
	db := modelstest.NewDB(t)

	messages := []*models.EmailMessage{
		{To: "a@x.org", Subject: "one", Body: "b"},
		{To: "b@x.org", Subject: "two", Body: "b"},
	}
	require.NoError(t, models.EnqueueMessages(ctx, db, messages))

	for _, message := range messages {
		require.NotZero(t, message.ID)

		stored, err := models.GetMessage(ctx, db, message.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, stored.Status)
		assert.Equal(t, 0, stored.Attempts)
		assert.True(t, stored.NextAttemptAfter.IsZero())
		assert.True(t, stored.SentAt.IsZero())
	}

	_, err := models.GetMessage(ctx, db, 9999)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestSetDomainVerified(t *testing.T) {
	ctx := context.Background()
	db := modelstest.NewDB(t)
	domain := modelstest.Domain(t, db, "example.org")

	require.NoError(t, models.SetDomainVerified(ctx, db, domain.ID, true))

	stored, err := models.FindDomain(ctx, db, "example.org")
	require.NoError(t, err)
	assert.True(t, stored.Verified)

	err = models.SetDomainVerified(ctx, db, 9999, true)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
