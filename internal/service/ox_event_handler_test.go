package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/ox"
	"spsh/backend/internal/storage/memory"
)

type oxHandlerFixture struct {
	store     *memory.Store
	ox        *MockOxClient
	publisher *recordingPublisher
	handler   *OxEventHandler
}

func newOxHandlerFixture(t *testing.T) *oxHandlerFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.SavePerson(ctx, &domain.Person{ID: "person-1", Username: "pmueller", FirstName: "Paul", LastName: "Müller"}))
	require.NoError(t, store.SaveRolle(ctx, &domain.Rolle{ID: "rolle-lehr", Rollenart: domain.RollenartLehr}))
	require.NoError(t, store.SaveOrganisation(ctx, &domain.Organisation{ID: "org-1", Kennung: "1234567"}))
	require.NoError(t, store.SavePersonenkontext(ctx, &domain.Personenkontext{ID: "pk-1", PersonID: "person-1", OrganisationID: "org-1", RolleID: "rolle-lehr"}))

	client := new(MockOxClient)
	publisher := &recordingPublisher{}
	handler := NewOxEventHandler(store, NewOxEventService(client, "lehrer-", nil), publisher, nil, nil)
	return &oxHandlerFixture{store: store, ox: client, publisher: publisher, handler: handler}
}

func TestOxEventHandler_EmailAddressGenerated(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates user and joins teacher group", func(t *testing.T) {
		f := newOxHandlerFixture(t)
		requested := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusRequested, 0)

		f.ox.On("ExistsUser", mock.Anything, "pmueller").Return(false, nil)
		f.ox.On("CreateUser", mock.Anything, mock.Anything).Return(&ox.UserData{ID: "ox-1", Username: "pmueller"}, nil)
		f.ox.On("ChangeByModuleAccess", mock.Anything, "ox-1", mock.Anything).Return(nil)
		f.ox.On("ListGroups", mock.Anything, "lehrer-1234567").Return([]ox.Group{{ID: "g-1", Name: "lehrer-1234567"}}, nil)
		f.ox.On("AddMemberToGroup", mock.Anything, "g-1", "ox-1").Return(nil)

		f.handler.HandleEmailAddressGenerated(ctx, events.EmailAddressGeneratedEvent{
			PersonID:       "person-1",
			Username:       "pmueller",
			EmailAddressID: requested.ID,
			Address:        requested.Address,
		})

		stored, err := f.store.FindByID(ctx, requested.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.OxUserID)
		assert.Equal(t, "ox-1", *stored.OxUserID)
		assert.Equal(t, domain.EmailAddressStatusRequested, stored.Status)

		created := f.publisher.named(events.OxUserCreated)
		require.Len(t, created, 1)
		ev := created[0].(events.OxUserCreatedEvent)
		assert.Equal(t, "ox-1", ev.OxUserID)
		assert.Equal(t, "10", ev.OxContextID)
		assert.Equal(t, requested.Address, ev.PrimaryEmail)
		f.ox.AssertExpectations(t)
	})

	t.Run("Primary mail conflict marks address", func(t *testing.T) {
		f := newOxHandlerFixture(t)
		requested := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusRequested, 0)

		f.ox.On("ExistsUser", mock.Anything, "pmueller").Return(false, nil)
		f.ox.On("CreateUser", mock.Anything, mock.Anything).Return(nil, &ox.Error{Kind: ox.ErrPrimaryMailAlreadyExists})

		f.handler.HandleEmailAddressGenerated(ctx, events.EmailAddressGeneratedEvent{
			PersonID:       "person-1",
			EmailAddressID: requested.ID,
			Address:        requested.Address,
		})

		stored, err := f.store.FindByID(ctx, requested.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EmailAddressStatusExistsOnlyInOx, stored.Status)
		assert.Empty(t, f.publisher.events)
	})

	t.Run("Other failures mark address failed", func(t *testing.T) {
		f := newOxHandlerFixture(t)
		requested := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusRequested, 0)
		f.ox.On("ExistsUser", mock.Anything, "pmueller").Return(false, errors.New("ox down"))

		f.handler.HandleEmailAddressGenerated(ctx, events.EmailAddressGeneratedEvent{
			PersonID:       "person-1",
			EmailAddressID: requested.ID,
			Address:        requested.Address,
		})

		stored, err := f.store.FindByID(ctx, requested.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EmailAddressStatusFailed, stored.Status)
	})
}

func TestOxEventHandler_EmailAddressChanged(t *testing.T) {
	ctx := context.Background()
	f := newOxHandlerFixture(t)
	old := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusDisabled, 1)
	old.SetOxUserID("ox-1")
	require.NoError(t, f.store.SaveEmailAddress(ctx, old))
	next := seedAddress(t, f.store, "person-1", "paul.schulz@schule-sh.de", domain.EmailAddressStatusRequested, 0)

	f.ox.On("GetDataForUser", mock.Anything, "ox-1").Return(&ox.UserData{ID: "ox-1", Username: "pmueller", PrimaryEmail: old.Address}, nil)
	f.ox.On("ChangeUser", mock.Anything, mock.MatchedBy(func(p ox.ChangeUserParams) bool {
		return p.PrimaryEmail == next.Address &&
			assert.ObjectsAreEqual([]string{next.Address, old.Address}, p.Aliases)
	})).Return(nil)

	f.handler.HandleEmailAddressChanged(ctx, events.EmailAddressChangedEvent{
		PersonID:          "person-1",
		Username:          "pmueller",
		OldEmailAddressID: old.ID,
		OldAddress:        old.Address,
		NewEmailAddressID: next.ID,
		NewAddress:        next.Address,
	})

	stored, err := f.store.FindByID(ctx, next.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OxUserID)
	assert.Equal(t, "ox-1", *stored.OxUserID)

	changed := f.publisher.named(events.OxUserChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, next.Address, changed[0].(events.OxUserChangedEvent).PrimaryEmail)
	f.ox.AssertExpectations(t)
}

func TestOxEventHandler_EmailAddressDisabled(t *testing.T) {
	ctx := context.Background()
	f := newOxHandlerFixture(t)
	f.ox.On("ListGroupsForUser", mock.Anything, "ox-1").Return([]ox.Group{{ID: "g-1"}}, nil)
	f.ox.On("RemoveMemberFromGroup", mock.Anything, "g-1", "ox-1").Return(nil)

	f.handler.HandleEmailAddressDisabled(ctx, events.EmailAddressDisabledEvent{
		PersonID: "person-1",
		Address:  "paul.mueller@schule-sh.de",
		OxUserID: "ox-1",
	})

	f.ox.AssertExpectations(t)
}

func TestOxEventHandler_PersonDeleted(t *testing.T) {
	ctx := context.Background()
	f := newOxHandlerFixture(t)
	f.ox.On("ListGroupsForUser", mock.Anything, "ox-1").Return(nil, &ox.Error{Kind: ox.ErrNoSuchUser})
	f.ox.On("DeleteUser", mock.Anything, "ox-1").Return(nil)

	f.handler.HandlePersonDeleted(ctx, events.PersonDeletedEvent{PersonID: "person-1", OxUserID: "ox-1"})

	f.ox.AssertCalled(t, "DeleteUser", mock.Anything, "ox-1")
}

func TestOxEventHandler_EmailAddressMarkedForDeletion(t *testing.T) {
	ctx := context.Background()

	t.Run("Alias removed then record deleted", func(t *testing.T) {
		f := newOxHandlerFixture(t)
		disabled := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusEnabled, 1)
		require.NoError(t, disabled.Disable(time.Now()))
		require.NoError(t, f.store.SaveEmailAddress(ctx, disabled))

		f.ox.On("GetDataForUser", mock.Anything, "ox-1").Return(&ox.UserData{
			ID:           "ox-1",
			PrimaryEmail: "paul.schulz@schule-sh.de",
			Aliases:      []string{"paul.schulz@schule-sh.de", disabled.Address},
		}, nil)
		f.ox.On("ChangeUser", mock.Anything, mock.Anything).Return(nil)

		f.handler.HandleEmailAddressMarkedForDeletion(ctx, events.EmailAddressMarkedForDeletionEvent{
			PersonID:       "person-1",
			EmailAddressID: disabled.ID,
			Address:        disabled.Address,
			OxUserID:       "ox-1",
		})

		_, err := f.store.FindByID(ctx, disabled.ID)
		assert.ErrorIs(t, err, domain.ErrEmailAddressNotFound)
	})

	t.Run("OX failure keeps the record", func(t *testing.T) {
		f := newOxHandlerFixture(t)
		disabled := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusDisabled, 1)
		f.ox.On("GetDataForUser", mock.Anything, "ox-1").Return(nil, errors.New("ox down"))

		f.handler.HandleEmailAddressMarkedForDeletion(ctx, events.EmailAddressMarkedForDeletionEvent{
			PersonID:       "person-1",
			EmailAddressID: disabled.ID,
			Address:        disabled.Address,
			OxUserID:       "ox-1",
		})

		stored, err := f.store.FindByID(ctx, disabled.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EmailAddressStatusFailed, stored.Status)
	})
}

func TestOxEventHandler_PersonenkontextUpdated(t *testing.T) {
	ctx := context.Background()
	f := newOxHandlerFixture(t)
	enabled := seedAddress(t, f.store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusEnabled, 0)
	enabled.SetOxUserID("ox-1")
	require.NoError(t, f.store.SaveEmailAddress(ctx, enabled))

	f.ox.On("ListGroups", mock.Anything, "lehrer-7654321").Return(nil, nil)
	f.ox.On("CreateGroup", mock.Anything, "lehrer-7654321", "lehrer-7654321").Return(&ox.Group{ID: "g-2", Name: "lehrer-7654321"}, nil)
	f.ox.On("AddMemberToGroup", mock.Anything, "g-2", "ox-1").Return(nil)
	f.ox.On("ListGroups", mock.Anything, "lehrer-1234567").Return([]ox.Group{{ID: "g-1", Name: "lehrer-1234567"}}, nil)
	f.ox.On("RemoveMemberFromGroup", mock.Anything, "g-1", "ox-1").Return(nil)

	added := events.KontextData{ID: "pk-2", OrganisationID: "org-2", OrganisationKennung: "7654321", RolleID: "rolle-lehr", Rollenart: domain.RollenartLehr}
	removed := events.KontextData{ID: "pk-1", OrganisationID: "org-1", RolleID: "rolle-lehr", Rollenart: domain.RollenartLehr}
	f.handler.HandlePersonenkontextUpdated(ctx, events.PersonenkontextUpdatedEvent{
		Person:  events.PersonData{ID: "person-1"},
		New:     []events.KontextData{added},
		Removed: []events.KontextData{removed},
		Current: []events.KontextData{added},
	})

	f.ox.AssertExpectations(t)
}
