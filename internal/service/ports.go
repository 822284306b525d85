package service

import (
	"context"
	"time"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/ldap"
	"spsh/backend/internal/ox"
)

// OxClient is the groupware API used by the provisioning services. *ox.Client implements it.
type OxClient interface {
	ContextID() string
	ContextName() string
	ExistsUser(ctx context.Context, username string) (bool, error)
	GetDataForUser(ctx context.Context, userID string) (*ox.UserData, error)
	GetDataForUserByName(ctx context.Context, username string) (*ox.UserData, error)
	CreateUser(ctx context.Context, p ox.CreateUserParams) (*ox.UserData, error)
	ChangeUser(ctx context.Context, p ox.ChangeUserParams) error
	DeleteUser(ctx context.Context, userID string) error
	ChangeByModuleAccess(ctx context.Context, userID string, access ox.ModuleAccess) error
	ListGroups(ctx context.Context, pattern string) ([]ox.Group, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]ox.Group, error)
	CreateGroup(ctx context.Context, name, displayName string) (*ox.Group, error)
	AddMemberToGroup(ctx context.Context, groupID, userID string) error
	RemoveMemberFromGroup(ctx context.Context, groupID, userID string) error
}

// LdapClient is the directory API. *ldap.Client implements it.
type LdapClient interface {
	IsPersonExisting(ctx context.Context, personID, domain string) (bool, error)
	CreatePerson(ctx context.Context, p ldap.PersonData) error
	UpdatePerson(ctx context.Context, personID, domain, primaryMail, aliasMail string) error
	DeletePerson(ctx context.Context, personID, domain string) error
}

// KeycloakClient is the identity provider API. *keycloak.Client implements it.
type KeycloakClient interface {
	UpdateOXUserAttributes(ctx context.Context, username, oxUserName, oxContextName string) error
}

// Recorder receives provisioning metrics. *monitoring.Metrics implements it.
type Recorder interface {
	RecordProvisioning(outcome string, duration time.Duration)
	RecordStatusChange(status domain.EmailAddressStatus)
}

type nopRecorder struct{}

func (nopRecorder) RecordProvisioning(string, time.Duration) {}
func (nopRecorder) RecordStatusChange(domain.EmailAddressStatus) {}

// Provisioning outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeInProgress = "in_progress"
	OutcomeNoDomain   = "no_domain"
	OutcomeFailed     = "failed"
)
