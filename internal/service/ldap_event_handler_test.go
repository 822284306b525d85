package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/ldap"
	"spsh/backend/internal/storage/memory"
)

func TestLdapEventHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("Updates existing entry with alias", func(t *testing.T) {
		store := memory.NewStore()
		seedAddress(t, store, "person-1", "paul.schulz@schule-sh.de", domain.EmailAddressStatusRequested, 0)
		seedAddress(t, store, "person-1", "paul.mueller@schule-sh.de", domain.EmailAddressStatusDisabled, 1)

		client := new(MockLdapClient)
		client.On("IsPersonExisting", mock.Anything, "person-1", "schule-sh.de").Return(true, nil)
		client.On("UpdatePerson", mock.Anything, "person-1", "schule-sh.de", "paul.schulz@schule-sh.de", "paul.mueller@schule-sh.de").Return(nil)

		NewLdapEventHandler(store, client, nil).HandleOxMetadataInKeycloakChanged(ctx, events.OxMetadataInKeycloakChangedEvent{
			PersonID:     "person-1",
			Username:     "pmueller",
			EmailAddress: "paul.schulz@schule-sh.de",
		})

		client.AssertExpectations(t)
	})

	t.Run("Creates missing entry", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SavePerson(ctx, &domain.Person{ID: "person-1", Username: "pmueller", FirstName: "Paul", LastName: "Müller"}))

		client := new(MockLdapClient)
		client.On("IsPersonExisting", mock.Anything, "person-1", "schule-sh.de").Return(false, nil)
		client.On("CreatePerson", mock.Anything, ldap.PersonData{
			PersonID:    "person-1",
			Username:    "pmueller",
			FirstName:   "Paul",
			LastName:    "Müller",
			PrimaryMail: "paul.mueller@schule-sh.de",
			Domain:      "schule-sh.de",
		}).Return(nil)

		NewLdapEventHandler(store, client, nil).HandleOxMetadataInKeycloakChanged(ctx, events.OxMetadataInKeycloakChangedEvent{
			PersonID:     "person-1",
			Username:     "pmueller",
			EmailAddress: "paul.mueller@schule-sh.de",
		})

		client.AssertExpectations(t)
	})

	t.Run("Deletes entry of deleted person", func(t *testing.T) {
		client := new(MockLdapClient)
		client.On("DeletePerson", mock.Anything, "person-1", "schule-sh.de").Return(nil)

		h := NewLdapEventHandler(memory.NewStore(), client, nil)
		h.HandlePersonDeleted(ctx, events.PersonDeletedEvent{PersonID: "person-1", EmailAddress: "paul.mueller@schule-sh.de"})
		h.HandlePersonDeleted(ctx, events.PersonDeletedEvent{PersonID: "person-2"})

		client.AssertNumberOfCalls(t, "DeletePerson", 1)
	})
}
