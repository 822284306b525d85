package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailAddressStatus is the lifecycle state of an EmailAddress.
type EmailAddressStatus string

const (
	// EmailAddressStatusRequested the address was generated and waits for OX/Keycloak confirmation
	EmailAddressStatusRequested EmailAddressStatus = "REQUESTED"
	// EmailAddressStatusEnabled the address is live in every external system
	EmailAddressStatusEnabled EmailAddressStatus = "ENABLED"
	// EmailAddressStatusDisabled the address is no longer authoritative, kept as alias until purge
	EmailAddressStatusDisabled EmailAddressStatus = "DISABLED"
	// EmailAddressStatusFailed a push to an external system failed
	EmailAddressStatusFailed EmailAddressStatus = "FAILED"
	// EmailAddressStatusExistsOnlyInOx OX already owns the address as a primary mail
	EmailAddressStatusExistsOnlyInOx EmailAddressStatus = "EXISTS_ONLY_IN_OX"
	// EmailAddressStatusPending a synchronous provisioning run is in progress
	EmailAddressStatusPending EmailAddressStatus = "PENDING"
)

// ErrInvalidStatusTransition is returned when a lifecycle verb is not allowed in the current state.
var ErrInvalidStatusTransition = errors.New("invalid email address status transition")

// EmailAddress is the e-mail address aggregate of a person.
type EmailAddress struct {
	ID            string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PersonID      string             `json:"personId" gorm:"type:varchar(36);not null;index"`
	Address       string             `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	Status        EmailAddressStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	Priority      int                `json:"priority" gorm:"not null;default:0"`
	OxUserID      *string            `json:"oxUserId,omitempty" gorm:"type:varchar(64)"`
	CorrelationID string             `json:"correlationId,omitempty" gorm:"type:varchar(36)"`
	MarkedForCron *time.Time         `json:"markedForCron,omitempty" gorm:"index"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// NewEmailAddress creates a priority 0 address for a person.
func NewEmailAddress(personID, address string, status EmailAddressStatus) *EmailAddress {
	now := time.Now().UTC()
	return &EmailAddress{
		ID:            uuid.New().String(),
		PersonID:      personID,
		Address:       strings.ToLower(address),
		Status:        status,
		Priority:      0,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (e *EmailAddress) transition(to EmailAddressStatus, allowed ...EmailAddressStatus) error {
	for _, from := range allowed {
		if e.Status == from {
			e.Status = to
			return nil
		}
	}
	return ErrInvalidStatusTransition
}

// Request re-requests a disabled or failed address.
func (e *EmailAddress) Request() error {
	if e.Status == EmailAddressStatusRequested {
		return nil
	}
	if err := e.transition(EmailAddressStatusRequested, EmailAddressStatusDisabled, EmailAddressStatusFailed); err != nil {
		return err
	}
	e.MarkedForCron = nil
	return nil
}

// MarkPending flags the address as target of a running provisioning.
func (e *EmailAddress) MarkPending() error {
	if err := e.transition(EmailAddressStatusPending,
		EmailAddressStatusEnabled,
		EmailAddressStatusDisabled,
		EmailAddressStatusFailed,
		EmailAddressStatusRequested,
	); err != nil {
		return err
	}
	e.MarkedForCron = nil
	return nil
}

// Enable activates the address. Enabling an enabled address is a no-op.
func (e *EmailAddress) Enable() error {
	if e.Status != EmailAddressStatusEnabled {
		if err := e.transition(EmailAddressStatusEnabled,
			EmailAddressStatusRequested,
			EmailAddressStatusPending,
			EmailAddressStatusDisabled,
			EmailAddressStatusFailed,
		); err != nil {
			return err
		}
	}
	e.MarkedForCron = nil
	return nil
}

// Disable deactivates the address and marks it for the purge sweep.
func (e *EmailAddress) Disable(now time.Time) error {
	if err := e.transition(EmailAddressStatusDisabled,
		EmailAddressStatusEnabled,
		EmailAddressStatusRequested,
		EmailAddressStatusPending,
	); err != nil {
		return err
	}
	marked := now.UTC()
	e.MarkedForCron = &marked
	return nil
}

// Fail is allowed from every state.
func (e *EmailAddress) Fail() {
	e.Status = EmailAddressStatusFailed
}

// MarkExistsOnlyInOx records that OX already owns the address.
func (e *EmailAddress) MarkExistsOnlyInOx() error {
	return e.transition(EmailAddressStatusExistsOnlyInOx,
		EmailAddressStatusPending,
		EmailAddressStatusRequested,
		EmailAddressStatusFailed,
	)
}

// SetOxUserID stores the groupware user id.
func (e *EmailAddress) SetOxUserID(oxUserID string) {
	e.OxUserID = &oxUserID
}

// LocalPart returns the part in front of the @.
func (e *EmailAddress) LocalPart() string {
	local, _, _ := strings.Cut(e.Address, "@")
	return local
}

// DomainPart returns the part after the @.
func (e *EmailAddress) DomainPart() string {
	return AddressDomain(e.Address)
}

// AddressDomain returns the lower-cased part of address after the @.
func AddressDomain(address string) string {
	_, d, _ := strings.Cut(address, "@")
	return strings.ToLower(d)
}

// IsActive reports whether the address is the authoritative one of its person.
func (e *EmailAddress) IsActive() bool {
	return e.Status == EmailAddressStatusEnabled || e.Status == EmailAddressStatusRequested
}

// IsPrimary reports whether the address holds priority 0.
func (e *EmailAddress) IsPrimary() bool {
	return e.Priority == 0
}
