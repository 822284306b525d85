package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"spsh/backend/internal/config"
	"spsh/backend/internal/domain"
	"spsh/backend/internal/ldap"
	"spsh/backend/internal/ox"
	"spsh/backend/internal/storage"
)

// ErrInvalidInput wraps validation failures of SetEmailAddressInput.
var ErrInvalidInput = errors.New("invalid input")

// SetEmailAddressInput describes a synchronous provisioning request.
type SetEmailAddressInput struct {
	PersonID          string `validate:"required,max=64"`
	Username          string `validate:"required,max=255"`
	FirstName         string `validate:"required,max=255"`
	LastName          string `validate:"required,max=255"`
	ServiceProviderID string `validate:"required,max=64"`
}

const compensationTimeout = 10 * time.Second

// addressStore is what the provisioning path needs from storage.
type addressStore interface {
	storage.EmailAddressRepository
	storage.EmailDomainRepository
}

// abortError stops the retry loop.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// SetEmailAddressForSpshPersonService provisions the primary address of a person
// in the database, OX and LDAP.
type SetEmailAddressForSpshPersonService struct {
	repo      addressStore
	locker    storage.PersonLocker
	generator *EmailAddressGenerator
	ox        OxClient
	ldap      LdapClient
	cfg       config.EmailConfig
	recorder  Recorder
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewSetEmailAddressForSpshPersonService creates the service. recorder may be nil.
func NewSetEmailAddressForSpshPersonService(
	repo addressStore,
	locker storage.PersonLocker,
	generator *EmailAddressGenerator,
	oxClient OxClient,
	ldapClient LdapClient,
	cfg config.EmailConfig,
	recorder Recorder,
	logger *zap.Logger,
) *SetEmailAddressForSpshPersonService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &SetEmailAddressForSpshPersonService{
		repo:      repo,
		locker:    locker,
		generator: generator,
		ox:        oxClient,
		ldap:      ldapClient,
		cfg:       cfg,
		recorder:  recorder,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// SetEmailAddressForSpshPerson makes sure the person owns exactly one ENABLED
// priority 0 address pushed to OX and LDAP.
//
// Besides invalid input it returns ErrEmailDomainNotFound, ErrEmailUpdateInProgress
// or ErrEmailAddressGenerationAttemptsExceeded.
func (s *SetEmailAddressForSpshPersonService) SetEmailAddressForSpshPerson(ctx context.Context, in SetEmailAddressInput) (*domain.EmailAddress, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	start := s.now()
	log := s.logger.With(zap.String("personId", in.PersonID), zap.String("username", in.Username))

	emailDomain, err := s.repo.FindEmailDomainByServiceProvider(ctx, in.ServiceProviderID)
	if err != nil {
		if errors.Is(err, domain.ErrEmailDomainNotFound) {
			log.Error("no email domain for service provider", zap.String("serviceProviderId", in.ServiceProviderID))
			s.recorder.RecordProvisioning(OutcomeNoDomain, s.now().Sub(start))
			return nil, domain.ErrEmailDomainNotFound
		}
		log.Error("could not resolve email domain", zap.Error(err))
		s.recorder.RecordProvisioning(OutcomeFailed, s.now().Sub(start))
		return nil, fmt.Errorf("%w: %w", domain.ErrEmailAddressGenerationAttemptsExceeded, err)
	}

	unlock, err := s.locker.TryLock(ctx, in.PersonID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			log.Warn("email update already running")
			s.recorder.RecordProvisioning(OutcomeInProgress, s.now().Sub(start))
			return nil, domain.ErrEmailUpdateInProgress
		}
		log.Error("could not take person lock", zap.Error(err))
		s.recorder.RecordProvisioning(OutcomeFailed, s.now().Sub(start))
		return nil, fmt.Errorf("%w: %w", domain.ErrEmailAddressGenerationAttemptsExceeded, err)
	}
	defer unlock()

	pending, err := s.repo.FindByPersonSortedByUpdatedAtDesc(ctx, in.PersonID, domain.EmailAddressStatusPending)
	if err != nil {
		log.Error("could not load pending addresses", zap.Error(err))
		s.recorder.RecordProvisioning(OutcomeFailed, s.now().Sub(start))
		return nil, fmt.Errorf("%w: %w", domain.ErrEmailAddressGenerationAttemptsExceeded, err)
	}
	if len(pending) > 0 {
		log.Warn("pending email address found", zap.String("address", pending[0].Address))
		s.recorder.RecordProvisioning(OutcomeInProgress, s.now().Sub(start))
		return nil, domain.ErrEmailUpdateInProgress
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		address, err := s.attempt(ctx, log, in, emailDomain.Domain)
		if err == nil {
			log.Info("email address provisioned",
				zap.String("address", address.Address),
				zap.Int("attempt", attempt))
			s.recorder.RecordProvisioning(OutcomeSuccess, s.now().Sub(start))
			return address, nil
		}
		lastErr = err
		log.Warn("email provisioning attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		var abort *abortError
		if errors.As(err, &abort) || isPermanent(err) || ctx.Err() != nil {
			break
		}
	}

	log.Error("email address generation attempts exceeded", zap.Error(lastErr))
	s.recorder.RecordProvisioning(OutcomeFailed, s.now().Sub(start))
	return nil, fmt.Errorf("%w: %w", domain.ErrEmailAddressGenerationAttemptsExceeded, lastErr)
}

// isPermanent reports errors another attempt cannot fix.
func isPermanent(err error) bool {
	var (
		invalidName   *domain.InvalidNameError
		invalidChars  *domain.InvalidCharacterSetError
		invalidLength *domain.InvalidAttributeLengthError
	)
	return errors.As(err, &invalidName) || errors.As(err, &invalidChars) || errors.As(err, &invalidLength)
}

func (s *SetEmailAddressForSpshPersonService) attempt(ctx context.Context, log *zap.Logger, in SetEmailAddressInput, emailDomain string) (result *domain.EmailAddress, err error) {
	var target *domain.EmailAddress
	defer func() {
		if r := recover(); r != nil {
			log.Error("Unknown error", zap.Any("panic", r), zap.Stack("stack"))
			if target != nil && target.Status == domain.EmailAddressStatusPending {
				target.Fail()
				s.saveBestEffort(ctx, log, target)
			}
			result, err = nil, fmt.Errorf("unknown error: %v", r)
		}
	}()

	existing, err := s.repo.FindByPersonSortedByPriorityAsc(ctx, in.PersonID)
	if err != nil {
		return nil, fmt.Errorf("load addresses: %w", err)
	}

	target = s.reusableAddress(existing, in, emailDomain)
	if target == nil {
		generated, err := s.generator.GenerateAvailableAddress(ctx, in.FirstName, in.LastName, emailDomain)
		if err != nil {
			return nil, err
		}
		target = domain.NewEmailAddress(in.PersonID, generated, domain.EmailAddressStatusPending)
	} else if err := target.MarkPending(); err != nil {
		return nil, err
	}

	// the address that ends up at priority 1 becomes the LDAP alias
	var alias *domain.EmailAddress
	primary := primaryOf(existing)
	if primary != nil && primary.ID != target.ID {
		if err := s.repo.ShiftPriorities(ctx, in.PersonID); err != nil {
			log.Error("could not shift priorities", zap.Error(err))
			return nil, &abortError{err: fmt.Errorf("shift priorities: %w", err)}
		}
		alias = primary
	} else {
		alias = secondaryOf(existing)
	}
	target.Priority = 0

	if err := s.repo.SaveEmailAddress(ctx, target); err != nil {
		return nil, &abortError{err: fmt.Errorf("save pending address: %w", err)}
	}

	aliasMail := ""
	if alias != nil && (alias.Status == domain.EmailAddressStatusEnabled || alias.Status == domain.EmailAddressStatusDisabled) {
		aliasMail = alias.Address
	}

	oxUserID, err := s.upsertOxUser(ctx, in, target.Address, aliasMail)
	if err != nil {
		if errors.Is(err, ox.ErrPrimaryMailAlreadyExists) {
			_ = target.MarkExistsOnlyInOx()
		} else {
			target.Fail()
		}
		s.saveBestEffort(ctx, log, target)
		return nil, fmt.Errorf("ox: %w", err)
	}
	target.SetOxUserID(oxUserID)

	if err := s.upsertLdapPerson(ctx, in, target.Address, aliasMail, emailDomain); err != nil {
		target.Fail()
		s.saveBestEffort(ctx, log, target)
		return nil, fmt.Errorf("ldap: %w", err)
	}

	if err := target.Enable(); err != nil {
		target.Fail()
		s.saveBestEffort(ctx, log, target)
		return nil, &abortError{err: err}
	}
	if err := s.repo.SaveEmailAddress(ctx, target); err != nil {
		log.Error("could not persist enabled address", zap.Error(err))
		target.Fail()
		s.saveBestEffort(ctx, log, target)
		return nil, &abortError{err: fmt.Errorf("save enabled address: %w", err)}
	}
	s.recorder.RecordStatusChange(domain.EmailAddressStatusEnabled)

	s.disableSuperseded(ctx, log, existing, target.ID)
	return target, nil
}

// reusableAddress picks an address of the person that already matches the names.
func (s *SetEmailAddressForSpshPersonService) reusableAddress(existing []*domain.EmailAddress, in SetEmailAddressInput, emailDomain string) *domain.EmailAddress {
	for _, a := range existing {
		switch a.Status {
		case domain.EmailAddressStatusEnabled, domain.EmailAddressStatusRequested,
			domain.EmailAddressStatusDisabled, domain.EmailAddressStatusFailed:
		default:
			continue
		}
		if a.DomainPart() == emailDomain && s.generator.IsEqual(a.Address, in.FirstName, in.LastName) {
			return a
		}
	}
	return nil
}

func primaryOf(sorted []*domain.EmailAddress) *domain.EmailAddress {
	if len(sorted) > 0 && sorted[0].Priority == 0 {
		return sorted[0]
	}
	return nil
}

func secondaryOf(sorted []*domain.EmailAddress) *domain.EmailAddress {
	for _, a := range sorted {
		if a.Priority == 1 {
			return a
		}
	}
	return nil
}

func (s *SetEmailAddressForSpshPersonService) upsertOxUser(ctx context.Context, in SetEmailAddressInput, address, aliasMail string) (string, error) {
	exists, err := s.ox.ExistsUser(ctx, in.Username)
	if err != nil {
		return "", err
	}

	if !exists {
		created, err := s.ox.CreateUser(ctx, ox.CreateUserParams{
			Username:     in.Username,
			FirstName:    in.FirstName,
			LastName:     in.LastName,
			PrimaryEmail: address,
		})
		if err != nil {
			return "", err
		}
		if err := s.ox.ChangeByModuleAccess(ctx, created.ID, ox.DefaultModuleAccess()); err != nil {
			s.logger.Warn("could not set ox module access", zap.String("oxUserId", created.ID), zap.Error(err))
		}
		return created.ID, nil
	}

	current, err := s.ox.GetDataForUserByName(ctx, in.Username)
	if err != nil {
		return "", err
	}
	err = s.ox.ChangeUser(ctx, ox.ChangeUserParams{
		ID:           current.ID,
		Username:     in.Username,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PrimaryEmail: address,
		Aliases:      mergeAliases(current.Aliases, address, aliasMail),
	})
	if err != nil {
		return "", err
	}
	return current.ID, nil
}

func (s *SetEmailAddressForSpshPersonService) upsertLdapPerson(ctx context.Context, in SetEmailAddressInput, address, aliasMail, emailDomain string) error {
	exists, err := s.ldap.IsPersonExisting(ctx, in.PersonID, emailDomain)
	if err != nil {
		return err
	}
	if exists {
		return s.ldap.UpdatePerson(ctx, in.PersonID, emailDomain, address, aliasMail)
	}
	return s.ldap.CreatePerson(ctx, ldap.PersonData{
		PersonID:    in.PersonID,
		Username:    in.Username,
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		PrimaryMail: address,
		Domain:      emailDomain,
	})
}

// disableSuperseded disables the previously active addresses of the person.
func (s *SetEmailAddressForSpshPersonService) disableSuperseded(ctx context.Context, log *zap.Logger, existing []*domain.EmailAddress, keepID string) {
	for _, a := range existing {
		if a.ID == keepID || !a.IsActive() {
			continue
		}
		// priorities were shifted in storage, reload before writing back
		current, err := s.repo.FindByID(ctx, a.ID)
		if err != nil {
			log.Warn("could not reload superseded address", zap.String("address", a.Address), zap.Error(err))
			continue
		}
		if err := current.Disable(s.now()); err != nil {
			continue
		}
		if err := s.repo.SaveEmailAddress(ctx, current); err != nil {
			log.Warn("could not disable superseded address", zap.String("address", a.Address), zap.Error(err))
			continue
		}
		s.recorder.RecordStatusChange(domain.EmailAddressStatusDisabled)
	}
}

// saveBestEffort persists a compensating status. It outlives a cancelled request
// so the record never stays PENDING because the caller went away.
func (s *SetEmailAddressForSpshPersonService) saveBestEffort(ctx context.Context, log *zap.Logger, address *domain.EmailAddress) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := s.repo.SaveEmailAddress(ctx, address); err != nil {
		log.Error("could not persist address status",
			zap.String("address", address.Address),
			zap.String("status", string(address.Status)),
			zap.Error(err))
		return
	}
	s.recorder.RecordStatusChange(address.Status)
}

// mergeAliases returns current plus the given addresses without duplicates.
func mergeAliases(current []string, add ...string) []string {
	seen := make(map[string]struct{}, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, a := range append(append([]string(nil), current...), add...) {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
