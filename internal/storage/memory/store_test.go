package memory

import (
	"context"
	"testing"
	"time"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore() *Store {
	s := NewStore()
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.SetClock(clock.now)
	return s
}

func TestMemoryStore_EmailAddressOperations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	addr := domain.NewEmailAddress("person-1", "Paul.Mueller@schule-sh.de", domain.EmailAddressStatusRequested)
	require.NoError(t, store.SaveEmailAddress(ctx, addr))

	// Test FindByID
	got, err := store.FindByID(ctx, addr.ID)
	require.NoError(t, err)
	assert.Equal(t, "paul.mueller@schule-sh.de", got.Address)

	// Test FindByAddress is case insensitive
	got, err = store.FindByAddress(ctx, "PAUL.MUELLER@schule-sh.de")
	require.NoError(t, err)
	assert.Equal(t, addr.ID, got.ID)

	exists, err := store.ExistsEmailAddress(ctx, "paul.mueller@schule-sh.de")
	require.NoError(t, err)
	assert.True(t, exists)

	// returned records are copies
	got.Status = domain.EmailAddressStatusFailed
	again, err := store.FindByID(ctx, addr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailAddressStatusRequested, again.Status)

	// duplicate address on another record
	dup := domain.NewEmailAddress("person-2", "paul.mueller@schule-sh.de", domain.EmailAddressStatusRequested)
	assert.ErrorIs(t, store.SaveEmailAddress(ctx, dup), storage.ErrEmailAddressExists)

	// Test DeleteEmailAddress
	require.NoError(t, store.DeleteEmailAddress(ctx, addr.ID))
	_, err = store.FindByID(ctx, addr.ID)
	assert.ErrorIs(t, err, domain.ErrEmailAddressNotFound)
	exists, err = store.ExistsEmailAddress(ctx, "paul.mueller@schule-sh.de")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_PriorityAndStatusQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	failed := domain.NewEmailAddress("person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusFailed)
	require.NoError(t, store.SaveEmailAddress(ctx, failed))
	require.NoError(t, store.ShiftPriorities(ctx, "person-1"))

	enabled := domain.NewEmailAddress("person-1", "paul.mueller1@schule-sh.de", domain.EmailAddressStatusEnabled)
	require.NoError(t, store.SaveEmailAddress(ctx, enabled))

	other := domain.NewEmailAddress("person-2", "anna.schmidt@schule-sh.de", domain.EmailAddressStatusRequested)
	require.NoError(t, store.SaveEmailAddress(ctx, other))

	byPriority, err := store.FindByPersonSortedByPriorityAsc(ctx, "person-1")
	require.NoError(t, err)
	require.Len(t, byPriority, 2)
	assert.Equal(t, enabled.ID, byPriority[0].ID)
	assert.Equal(t, 0, byPriority[0].Priority)
	assert.Equal(t, failed.ID, byPriority[1].ID)
	assert.Equal(t, 1, byPriority[1].Priority)

	byUpdated, err := store.FindByPersonSortedByUpdatedAtDesc(ctx, "person-1", "")
	require.NoError(t, err)
	require.Len(t, byUpdated, 2)
	assert.Equal(t, enabled.ID, byUpdated[0].ID)

	onlyFailed, err := store.FindByPersonSortedByUpdatedAtDesc(ctx, "person-1", domain.EmailAddressStatusFailed)
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, failed.ID, onlyFailed[0].ID)

	got, err := store.FindEnabledByPerson(ctx, "person-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, enabled.ID, got.ID)

	got, err = store.FindRequestedByPerson(ctx, "person-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_DeactivateAndPurgeQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	addr := domain.NewEmailAddress("person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusEnabled)
	require.NoError(t, store.SaveEmailAddress(ctx, addr))

	require.NoError(t, store.DeactivateEmailAddress(ctx, "paul.mueller@schule-sh.de", now))
	assert.ErrorIs(t, store.DeactivateEmailAddress(ctx, "unknown@schule-sh.de", now), domain.ErrEmailAddressNotFound)

	got, err := store.FindByID(ctx, addr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmailAddressStatusDisabled, got.Status)
	require.NotNil(t, got.MarkedForCron)

	marked, err := store.FindMarkedForPurge(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, marked)

	marked, err = store.FindMarkedForPurge(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, addr.ID, marked[0].ID)
}

func TestMemoryStore_FindFailedPrimary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	primary := domain.NewEmailAddress("person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusFailed)
	require.NoError(t, store.SaveEmailAddress(ctx, primary))

	secondary := domain.NewEmailAddress("person-2", "anna.schmidt@schule-sh.de", domain.EmailAddressStatusFailed)
	secondary.Priority = 1
	require.NoError(t, store.SaveEmailAddress(ctx, secondary))

	failed, err := store.FindFailedPrimary(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, primary.ID, failed[0].ID)

	failed, err = store.FindFailedPrimary(ctx, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestMemoryStore_EmailDomains(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.NoError(t, store.SaveEmailDomain(ctx, domain.NewEmailDomain("sp-email", "Schule-SH.de")))

	d, err := store.FindEmailDomainByServiceProvider(ctx, "sp-email")
	require.NoError(t, err)
	assert.Equal(t, "schule-sh.de", d.Domain)

	d, err = store.FindEmailDomainByDomain(ctx, "schule-sh.de")
	require.NoError(t, err)
	assert.Equal(t, "sp-email", d.ServiceProviderID)

	_, err = store.FindEmailDomainByServiceProvider(ctx, "sp-unknown")
	assert.ErrorIs(t, err, domain.ErrEmailDomainNotFound)

	all, err := store.ListEmailDomains(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_ReadModels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	require.NoError(t, store.SavePerson(ctx, &domain.Person{ID: "p1", FirstName: "Paul", LastName: "Müller"}))
	require.NoError(t, store.SaveRolle(ctx, &domain.Rolle{ID: "r1", Rollenart: domain.RollenartLehr, ServiceProviderIDs: []string{"sp-email"}}))
	require.NoError(t, store.SaveServiceProvider(ctx, &domain.ServiceProvider{ID: "sp-email", Kategorie: domain.ServiceProviderKategorieEmail}))
	require.NoError(t, store.SaveOrganisation(ctx, &domain.Organisation{ID: "o1", Kennung: "0706054"}))
	require.NoError(t, store.SavePersonenkontext(ctx, &domain.Personenkontext{ID: "k1", PersonID: "p1", OrganisationID: "o1", RolleID: "r1"}))
	require.NoError(t, store.SavePersonenkontext(ctx, &domain.Personenkontext{ID: "k2", PersonID: "p1", OrganisationID: "o1", RolleID: "r1"}))

	p, err := store.FindPersonByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Paul", p.FirstName)

	_, err = store.FindPersonByID(ctx, "p2")
	assert.ErrorIs(t, err, domain.ErrPersonNotFound)

	kontexte, err := store.FindKontexteByPerson(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, kontexte, 2)

	ids, err := store.FindPersonIDsByRolle(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)

	rollen, err := store.FindRollenByIDs(ctx, []string{"r1", "missing"})
	require.NoError(t, err)
	require.Len(t, rollen, 1)
	assert.Equal(t, []string{"sp-email"}, rollen[0].ServiceProviderIDs)

	sps, err := store.FindServiceProvidersByIDs(ctx, []string{"sp-email"})
	require.NoError(t, err)
	require.Len(t, sps, 1)

	o, err := store.FindOrganisationByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "0706054", o.Kennung)

	require.NoError(t, store.DeletePersonenkontext(ctx, "k2"))
	kontexte, err = store.FindKontexteByPerson(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, kontexte, 1)
}

func TestMemoryStore_TryLock(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	unlock, err := store.TryLock(ctx, "p1", time.Minute)
	require.NoError(t, err)

	_, err = store.TryLock(ctx, "p1", time.Minute)
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	other, err := store.TryLock(ctx, "p2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock2, err := store.TryLock(ctx, "p1", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestMemoryStore_TryLockExpires(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	_, err := store.TryLock(ctx, "p1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.TryLock(ctx, "p1", time.Minute)
	assert.NoError(t, err)
}
