// Package events defines the domain events of the e-mail provisioning core and
// the bus that dispatches them to handlers.
package events

import "spsh/backend/internal/domain"

// Event names. They double as AMQP routing keys.
const (
	PersonenkontextUpdated        = "personenkontext.updated"
	RolleUpdated                  = "rolle.updated"
	PersonRenamed                 = "person.renamed"
	PersonDeleted                 = "person.deleted"
	OxMetadataInKeycloakChanged   = "keycloak.ox-metadata.changed"
	EmailAddressGenerated         = "email.address.generated"
	EmailAddressChanged           = "email.address.changed"
	EmailAddressDisabled          = "email.address.disabled"
	EmailAddressMarkedForDeletion = "email.address.marked-for-deletion"
	OxUserCreated                 = "ox.user.created"
	OxUserChanged                 = "ox.user.changed"
	EmailAddressGenerationFailed  = "email.address.generation-failed"
)

// Event is implemented by every domain event.
type Event interface {
	EventName() string
}

// KontextData describes one Personenkontext inside PersonenkontextUpdatedEvent.
type KontextData struct {
	ID                  string           `json:"id"`
	OrganisationID      string           `json:"organisationId"`
	OrganisationKennung string           `json:"organisationKennung,omitempty"`
	RolleID             string           `json:"rolleId"`
	Rollenart           domain.Rollenart `json:"rollenart"`
}

// PersonData identifies the person an event is about.
type PersonData struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// PersonenkontextUpdatedEvent is published whenever the kontexte of a person change.
type PersonenkontextUpdatedEvent struct {
	Person  PersonData    `json:"person"`
	New     []KontextData `json:"newKontexte"`
	Removed []KontextData `json:"removedKontexte"`
	Current []KontextData `json:"currentKontexte"`
}

func (PersonenkontextUpdatedEvent) EventName() string { return PersonenkontextUpdated }

// RolleUpdatedEvent is published when the service providers of a Rolle change.
type RolleUpdatedEvent struct {
	RolleID            string           `json:"rolleId"`
	Rollenart          domain.Rollenart `json:"rollenart"`
	ServiceProviderIDs []string         `json:"serviceProviderIds"`
}

func (RolleUpdatedEvent) EventName() string { return RolleUpdated }

// PersonRenamedEvent carries the new and the old name of a person.
type PersonRenamedEvent struct {
	PersonID     string `json:"personId"`
	Username     string `json:"username"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	OldFirstName string `json:"oldFirstName"`
	OldLastName  string `json:"oldLastName"`
}

func (PersonRenamedEvent) EventName() string { return PersonRenamed }

// PersonDeletedEvent is published after a person was removed.
type PersonDeletedEvent struct {
	PersonID     string `json:"personId"`
	Username     string `json:"username"`
	EmailAddress string `json:"emailAddress,omitempty"`
	OxUserID     string `json:"oxUserId,omitempty"`
}

func (PersonDeletedEvent) EventName() string { return PersonDeleted }

// OxMetadataInKeycloakChangedEvent confirms that Keycloak knows the OX account of a person.
type OxMetadataInKeycloakChangedEvent struct {
	PersonID      string `json:"personId"`
	Username      string `json:"username"`
	OxUserID      string `json:"oxUserId"`
	OxUserName    string `json:"oxUserName"`
	OxContextID   string `json:"oxContextId"`
	OxContextName string `json:"oxContextName"`
	EmailAddress  string `json:"emailAddress"`
}

func (OxMetadataInKeycloakChangedEvent) EventName() string { return OxMetadataInKeycloakChanged }

// EmailAddressGeneratedEvent is published for a new REQUESTED or re-requested address.
type EmailAddressGeneratedEvent struct {
	PersonID            string `json:"personId"`
	Username            string `json:"username"`
	EmailAddressID      string `json:"emailAddressId"`
	Address             string `json:"address"`
	Enabled             bool   `json:"enabled"`
	OrganisationKennung string `json:"organisationKennung,omitempty"`
}

func (EmailAddressGeneratedEvent) EventName() string { return EmailAddressGenerated }

// EmailAddressChangedEvent is published when a rename produced a new primary address.
type EmailAddressChangedEvent struct {
	PersonID            string `json:"personId"`
	Username            string `json:"username"`
	OldEmailAddressID   string `json:"oldEmailAddressId"`
	OldAddress          string `json:"oldAddress"`
	NewEmailAddressID   string `json:"newEmailAddressId"`
	NewAddress          string `json:"newAddress"`
	OrganisationKennung string `json:"organisationKennung,omitempty"`
}

func (EmailAddressChangedEvent) EventName() string { return EmailAddressChanged }

// EmailAddressDisabledEvent is published for every address disabled because the person lost its e-mail entitlement.
type EmailAddressDisabledEvent struct {
	PersonID       string `json:"personId"`
	Username       string `json:"username"`
	EmailAddressID string `json:"emailAddressId"`
	Address        string `json:"address"`
	OxUserID       string `json:"oxUserId,omitempty"`
}

func (EmailAddressDisabledEvent) EventName() string { return EmailAddressDisabled }

// EmailAddressMarkedForDeletionEvent is published by the purge sweep.
type EmailAddressMarkedForDeletionEvent struct {
	PersonID       string `json:"personId"`
	Username       string `json:"username"`
	EmailAddressID string `json:"emailAddressId"`
	Address        string `json:"address"`
	OxUserID       string `json:"oxUserId,omitempty"`
}

func (EmailAddressMarkedForDeletionEvent) EventName() string { return EmailAddressMarkedForDeletion }

// OxUserCreatedEvent is published after the OX account of a person was created.
type OxUserCreatedEvent struct {
	PersonID       string `json:"personId"`
	Username       string `json:"username"`
	OxUserID       string `json:"oxUserId"`
	OxUserName     string `json:"oxUserName"`
	OxContextID    string `json:"oxContextId"`
	OxContextName  string `json:"oxContextName"`
	PrimaryEmail   string `json:"primaryEmail"`
	EmailAddressID string `json:"emailAddressId"`
}

func (OxUserCreatedEvent) EventName() string { return OxUserCreated }

// OxUserChangedEvent is published after the primary mail of an OX account changed.
type OxUserChangedEvent struct {
	PersonID       string `json:"personId"`
	Username       string `json:"username"`
	OxUserID       string `json:"oxUserId"`
	OxUserName     string `json:"oxUserName"`
	OxContextID    string `json:"oxContextId"`
	OxContextName  string `json:"oxContextName"`
	PrimaryEmail   string `json:"primaryEmail"`
	EmailAddressID string `json:"emailAddressId"`
}

func (OxUserChangedEvent) EventName() string { return OxUserChanged }

// EmailAddressGenerationFailedEvent is published when no address could be generated for a person.
type EmailAddressGenerationFailedEvent struct {
	PersonID string `json:"personId"`
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

func (EmailAddressGenerationFailedEvent) EventName() string { return EmailAddressGenerationFailed }
