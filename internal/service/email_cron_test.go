package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spsh/backend/internal/config"
	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/storage/memory"
)

type evaluatorFunc func(ctx context.Context, personID string) error

func (f evaluatorFunc) HandlePerson(ctx context.Context, personID string) error { return f(ctx, personID) }

func TestEmailCronService_PurgeMarkedAddresses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore()

	stale := seedAddress(t, store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusEnabled, 1)
	require.NoError(t, stale.Disable(now.Add(-200*24*time.Hour)))
	stale.SetOxUserID("ox-1")
	require.NoError(t, store.SaveEmailAddress(ctx, stale))

	neverInOx := seedAddress(t, store, "person-2", "anna.schmidt@schule-sh.de", domain.EmailAddressStatusEnabled, 1)
	require.NoError(t, neverInOx.Disable(now.Add(-200*24*time.Hour)))
	require.NoError(t, store.SaveEmailAddress(ctx, neverInOx))

	fresh := seedAddress(t, store, "person-3", "jan.berg@schule-sh.de", domain.EmailAddressStatusEnabled, 1)
	require.NoError(t, fresh.Disable(now.Add(-time.Hour)))
	require.NoError(t, store.SaveEmailAddress(ctx, fresh))

	publisher := &recordingPublisher{}
	cron := NewEmailCronService(store, nil, publisher, config.EmailConfig{PurgeGracePeriod: 180 * 24 * time.Hour}, nil)

	purged, err := cron.PurgeMarkedAddresses(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	marked := publisher.named(events.EmailAddressMarkedForDeletion)
	require.Len(t, marked, 1)
	assert.Equal(t, stale.ID, marked[0].(events.EmailAddressMarkedForDeletionEvent).EmailAddressID)
	assert.Equal(t, "ox-1", marked[0].(events.EmailAddressMarkedForDeletionEvent).OxUserID)

	_, err = store.FindByID(ctx, neverInOx.ID)
	assert.ErrorIs(t, err, domain.ErrEmailAddressNotFound)
	_, err = store.FindByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestEmailCronService_RetryFailedAddresses(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	past := time.Now().Add(-3 * time.Hour)
	store.SetClock(func() time.Time { return past })

	seedAddress(t, store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusFailed, 0)
	seedAddress(t, store, "person-2", "anna.schmidt@schule-sh.de", domain.EmailAddressStatusFailed, 0)
	seedAddress(t, store, "person-3", "jan.berg@schule-sh.de", domain.EmailAddressStatusFailed, 1)

	var seen []string
	evaluator := evaluatorFunc(func(_ context.Context, personID string) error {
		seen = append(seen, personID)
		if personID == "person-2" {
			return errors.New("still broken")
		}
		return nil
	})

	cron := NewEmailCronService(store, evaluator, &recordingPublisher{}, config.EmailConfig{RetryAfter: time.Hour}, nil)
	retried, err := cron.RetryFailedAddresses(ctx, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, retried)
	assert.ElementsMatch(t, []string{"person-1", "person-2"}, seen)
}

func TestEmailCronService_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cron := NewEmailCronService(memory.NewStore(), evaluatorFunc(func(context.Context, string) error { return nil }), &recordingPublisher{}, config.EmailConfig{}, nil)

	done := make(chan struct{})
	go func() {
		cron.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cron did not stop")
	}
}

func TestEmailCronService_FailStalePending(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()

	store.SetClock(func() time.Time { return now.Add(-10 * time.Minute) })
	stale := seedAddress(t, store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusPending, 0)
	store.SetClock(func() time.Time { return now })
	running := seedAddress(t, store, "person-2", "anna.schmidt@schule-sh.de", domain.EmailAddressStatusPending, 0)

	cron := NewEmailCronService(store, nil, &recordingPublisher{}, config.EmailConfig{LockTTL: time.Minute}, nil)
	failed, err := cron.FailStalePending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	got, err := store.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailAddressStatusFailed, got.Status)

	got, err = store.FindByID(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailAddressStatusPending, got.Status)
}
