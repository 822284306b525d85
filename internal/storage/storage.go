package storage

import (
	"context"
	"errors"
	"time"

	"spsh/backend/internal/domain"
)

var (
	// ErrEmailAddressExists another record already holds the address
	ErrEmailAddressExists = errors.New("email address already exists")
	// ErrLockHeld the person lock is held by another provisioning run
	ErrLockHeld = errors.New("person lock held")
)

// EmailAddressRepository persists EmailAddress aggregates.
//
// Find*ByPerson methods that return a single address return nil without error
// when the person has no matching address.
type EmailAddressRepository interface {
	SaveEmailAddress(ctx context.Context, address *domain.EmailAddress) error
	FindByID(ctx context.Context, id string) (*domain.EmailAddress, error)
	FindByAddress(ctx context.Context, address string) (*domain.EmailAddress, error)
	ExistsEmailAddress(ctx context.Context, address string) (bool, error)
	// FindByPersonSortedByUpdatedAtDesc filters by status when status is non-empty.
	FindByPersonSortedByUpdatedAtDesc(ctx context.Context, personID string, status domain.EmailAddressStatus) ([]*domain.EmailAddress, error)
	FindByPersonSortedByPriorityAsc(ctx context.Context, personID string) ([]*domain.EmailAddress, error)
	FindEnabledByPerson(ctx context.Context, personID string) (*domain.EmailAddress, error)
	FindRequestedByPerson(ctx context.Context, personID string) (*domain.EmailAddress, error)
	// ShiftPriorities increments the priority of every address of the person, freeing priority 0.
	ShiftPriorities(ctx context.Context, personID string) error
	// DeactivateEmailAddress disables the address and marks it for the purge sweep.
	DeactivateEmailAddress(ctx context.Context, address string, now time.Time) error
	// FindMarkedForPurge returns DISABLED or FAILED addresses marked before the cutoff.
	FindMarkedForPurge(ctx context.Context, before time.Time) ([]*domain.EmailAddress, error)
	// FindFailedPrimary returns FAILED priority 0 addresses last touched before the cutoff.
	FindFailedPrimary(ctx context.Context, before time.Time) ([]*domain.EmailAddress, error)
	// FindPendingBefore returns PENDING addresses last touched before the cutoff.
	FindPendingBefore(ctx context.Context, before time.Time) ([]*domain.EmailAddress, error)
	DeleteEmailAddress(ctx context.Context, id string) error
	CountEmailAddressesByStatus(ctx context.Context) (map[domain.EmailAddressStatus]int, error)
}

// EmailDomainRepository persists EmailDomain records.
type EmailDomainRepository interface {
	SaveEmailDomain(ctx context.Context, d *domain.EmailDomain) error
	FindEmailDomainByServiceProvider(ctx context.Context, serviceProviderID string) (*domain.EmailDomain, error)
	FindEmailDomainByDomain(ctx context.Context, name string) (*domain.EmailDomain, error)
	ListEmailDomains(ctx context.Context) ([]*domain.EmailDomain, error)
}

// PersonRepository reads persons.
type PersonRepository interface {
	SavePerson(ctx context.Context, p *domain.Person) error
	FindPersonByID(ctx context.Context, id string) (*domain.Person, error)
}

// PersonenkontextRepository reads the role assignments of persons.
type PersonenkontextRepository interface {
	SavePersonenkontext(ctx context.Context, k *domain.Personenkontext) error
	DeletePersonenkontext(ctx context.Context, id string) error
	FindKontexteByPerson(ctx context.Context, personID string) ([]*domain.Personenkontext, error)
	FindPersonIDsByRolle(ctx context.Context, rolleID string) ([]string, error)
}

// RolleRepository reads Rollen.
type RolleRepository interface {
	SaveRolle(ctx context.Context, r *domain.Rolle) error
	FindRollenByIDs(ctx context.Context, ids []string) ([]*domain.Rolle, error)
}

// ServiceProviderRepository reads service providers.
type ServiceProviderRepository interface {
	SaveServiceProvider(ctx context.Context, sp *domain.ServiceProvider) error
	FindServiceProvidersByIDs(ctx context.Context, ids []string) ([]*domain.ServiceProvider, error)
}

// OrganisationRepository reads organisations.
type OrganisationRepository interface {
	SaveOrganisation(ctx context.Context, o *domain.Organisation) error
	FindOrganisationByID(ctx context.Context, id string) (*domain.Organisation, error)
}

// PersonLocker serialises provisioning runs per person.
type PersonLocker interface {
	// TryLock returns ErrLockHeld when another run holds the lock.
	TryLock(ctx context.Context, personID string, ttl time.Duration) (unlock func(), err error)
}

// Store aggregates every repository.
type Store interface {
	EmailAddressRepository
	EmailDomainRepository
	PersonRepository
	PersonenkontextRepository
	RolleRepository
	ServiceProviderRepository
	OrganisationRepository
}
