package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmailDomainNotFound                    = errors.New("email domain not found")
	ErrEmailAddressNotFound                   = errors.New("email address not found")
	ErrEmailUpdateInProgress                  = errors.New("email update in progress")
	ErrEmailAddressGenerationAttemptsExceeded = errors.New("email address generation attempts exceeded")
	ErrPersonNotFound                         = errors.New("person not found")
	ErrRolleNotFound                          = errors.New("rolle not found")
	ErrServiceProviderNotFound                = errors.New("service provider not found")
	ErrOrganisationNotFound                   = errors.New("organisation not found")
)

// InvalidNameError is returned for a name part that is too short or empty after cleaning.
type InvalidNameError struct {
	Field string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid name: %s", e.Field)
}

// InvalidCharacterSetError is returned for a name part outside DIN 91379 datatype A.
type InvalidCharacterSetError struct {
	Field string
	Value string
}

func (e *InvalidCharacterSetError) Error() string {
	return fmt.Sprintf("invalid character set in %s: %q", e.Field, e.Value)
}

// InvalidAttributeLengthError is returned when a generated attribute exceeds its maximum length.
type InvalidAttributeLengthError struct {
	Attribute string
	MaxLength int
}

func (e *InvalidAttributeLengthError) Error() string {
	return fmt.Sprintf("attribute %s exceeds %d characters", e.Attribute, e.MaxLength)
}
