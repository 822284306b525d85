package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"
)

// EmailAddressGenerator derives e-mail addresses from person names.
type EmailAddressGenerator struct {
	repo        storage.EmailAddressRepository
	maxAttempts int
	validator   *domain.EmailValidator
}

// NewEmailAddressGenerator creates a generator that tries at most maxAttempts candidates.
func NewEmailAddressGenerator(repo storage.EmailAddressRepository, maxAttempts int) *EmailAddressGenerator {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &EmailAddressGenerator{
		repo:        repo,
		maxAttempts: maxAttempts,
		validator:   domain.NewEmailValidator(),
	}
}

// BuildLocalPart returns "<first>.<last>" in normalized form.
func (g *EmailAddressGenerator) BuildLocalPart(firstName, lastName string) (string, error) {
	if err := domain.ValidateNamePart(domain.FieldFirstName, firstName); err != nil {
		return "", err
	}
	if err := domain.ValidateNamePart(domain.FieldLastName, lastName); err != nil {
		return "", err
	}

	first := strings.Trim(domain.NormalizeNamePart(firstName), "-")
	if first == "" {
		return "", &domain.InvalidNameError{Field: domain.FieldFirstName}
	}
	last := strings.Trim(domain.NormalizeNamePart(lastName), "-")
	if last == "" {
		return "", &domain.InvalidNameError{Field: domain.FieldLastName}
	}

	local := first + "." + last
	if len(local) > domain.MaxLocalPartLength {
		return "", &domain.InvalidAttributeLengthError{Attribute: "localPart", MaxLength: domain.MaxLocalPartLength}
	}
	return local, nil
}

// GenerateAvailableAddress returns the first free candidate of base, base1, base2, ...
func (g *EmailAddressGenerator) GenerateAvailableAddress(ctx context.Context, firstName, lastName, emailDomain string) (string, error) {
	base, err := g.BuildLocalPart(firstName, lastName)
	if err != nil {
		return "", err
	}
	emailDomain = strings.ToLower(strings.TrimSpace(emailDomain))

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		local := base
		if attempt > 0 {
			local = base + strconv.Itoa(attempt)
		}
		if len(local) > domain.MaxLocalPartLength {
			return "", &domain.InvalidAttributeLengthError{Attribute: "localPart", MaxLength: domain.MaxLocalPartLength}
		}

		address := local + "@" + emailDomain
		if err := g.validator.ValidateEmail(address); err != nil {
			return "", fmt.Errorf("generated address %q: %w", address, err)
		}

		exists, err := g.repo.ExistsEmailAddress(ctx, address)
		if err != nil {
			return "", fmt.Errorf("check address %q: %w", address, err)
		}
		if !exists {
			return address, nil
		}
	}
	return "", domain.ErrEmailAddressGenerationAttemptsExceeded
}

// IsEqual reports whether address was derived from the given names, ignoring
// a numeric collision suffix.
func (g *EmailAddressGenerator) IsEqual(address, firstName, lastName string) bool {
	base, err := g.BuildLocalPart(firstName, lastName)
	if err != nil {
		return false
	}
	local, _, ok := strings.Cut(strings.ToLower(address), "@")
	if !ok {
		return false
	}
	return strings.TrimRightFunc(local, unicode.IsDigit) == base
}
