package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/storage"
)

// EmailEventHandler decides from kontext, rolle and person events whether a person
// needs an e-mail address and requests, re-requests or disables addresses accordingly.
type EmailEventHandler struct {
	store     storage.Store
	locker    storage.PersonLocker
	generator *EmailAddressGenerator
	publisher events.Publisher
	recorder  Recorder
	lockTTL   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	deferredMu sync.Mutex
	deferred   map[string]bool // personID -> rename pending
}

// NewEmailEventHandler creates the handler. recorder may be nil.
func NewEmailEventHandler(
	store storage.Store,
	locker storage.PersonLocker,
	generator *EmailAddressGenerator,
	publisher events.Publisher,
	recorder Recorder,
	lockTTL time.Duration,
	logger *zap.Logger,
) *EmailEventHandler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &EmailEventHandler{
		store:     store,
		locker:    locker,
		generator: generator,
		publisher: publisher,
		recorder:  recorder,
		lockTTL:   lockTTL,
		logger:    logger.Named("email-event-handler"),
		now:       time.Now,
		deferred:  make(map[string]bool),
	}
}

// Register subscribes the handler on bus.
func (h *EmailEventHandler) Register(bus *events.Bus) {
	events.On(bus, h.HandlePersonenkontextUpdated)
	events.On(bus, h.HandleRolleUpdated)
	events.On(bus, h.HandlePersonRenamed)
	events.On(bus, h.HandleOxMetadataInKeycloakChanged)
	events.On(bus, h.HandlePersonDeleted)
}

type emailEntitlement struct {
	needed  bool
	domain  *domain.EmailDomain
	kennung string
}

// HandlePersonenkontextUpdated updates the kontext projection and re-evaluates the person.
func (h *EmailEventHandler) HandlePersonenkontextUpdated(ctx context.Context, ev events.PersonenkontextUpdatedEvent) {
	log := h.logger.With(zap.String("personId", ev.Person.ID))
	log.Info("received PersonenkontextUpdatedEvent",
		zap.Int("new", len(ev.New)),
		zap.Int("removed", len(ev.Removed)),
		zap.Int("current", len(ev.Current)))

	person, err := h.syncPerson(ctx, ev.Person)
	if err != nil {
		log.Error("could not store person", zap.Error(err))
		return
	}
	for _, k := range ev.Removed {
		if err := h.store.DeletePersonenkontext(ctx, k.ID); err != nil {
			log.Warn("could not remove kontext", zap.String("kontextId", k.ID), zap.Error(err))
		}
	}

	kontexte := make([]*domain.Personenkontext, 0, len(ev.Current))
	for _, k := range ev.Current {
		pk := &domain.Personenkontext{
			ID:             k.ID,
			PersonID:       person.ID,
			OrganisationID: k.OrganisationID,
			RolleID:        k.RolleID,
			CreatedAt:      h.now().UTC(),
		}
		if err := h.store.SavePersonenkontext(ctx, pk); err != nil {
			log.Warn("could not store kontext", zap.String("kontextId", k.ID), zap.Error(err))
		}
		if k.OrganisationKennung != "" {
			org := &domain.Organisation{ID: k.OrganisationID, Kennung: k.OrganisationKennung}
			if err := h.store.SaveOrganisation(ctx, org); err != nil {
				log.Warn("could not store organisation", zap.String("organisationId", k.OrganisationID), zap.Error(err))
			}
		}
		kontexte = append(kontexte, pk)
	}

	if err := h.evaluate(ctx, person, kontexte); err != nil {
		log.Warn("email evaluation incomplete", zap.Error(err))
	}
}

// HandleRolleUpdated re-evaluates every person holding the Rolle.
func (h *EmailEventHandler) HandleRolleUpdated(ctx context.Context, ev events.RolleUpdatedEvent) {
	log := h.logger.With(zap.String("rolleId", ev.RolleID))
	log.Info("received RolleUpdatedEvent", zap.Strings("serviceProviderIds", ev.ServiceProviderIDs))

	rolle := &domain.Rolle{ID: ev.RolleID}
	if found, err := h.store.FindRollenByIDs(ctx, []string{ev.RolleID}); err == nil && len(found) == 1 {
		rolle = found[0]
	}
	rolle.Rollenart = ev.Rollenart
	rolle.ServiceProviderIDs = ev.ServiceProviderIDs
	if err := h.store.SaveRolle(ctx, rolle); err != nil {
		log.Error("could not store rolle", zap.Error(err))
		return
	}

	personIDs, err := h.store.FindPersonIDsByRolle(ctx, ev.RolleID)
	if err != nil {
		log.Error("could not load persons of rolle", zap.Error(err))
		return
	}
	for _, personID := range personIDs {
		if err := h.HandlePerson(ctx, personID); err != nil {
			log.Warn("email evaluation incomplete", zap.String("personId", personID), zap.Error(err))
		}
	}
}

// HandlePerson re-evaluates the e-mail entitlement of a stored person.
func (h *EmailEventHandler) HandlePerson(ctx context.Context, personID string) error {
	person, err := h.store.FindPersonByID(ctx, personID)
	if err != nil {
		return err
	}
	kontexte, err := h.store.FindKontexteByPerson(ctx, personID)
	if err != nil {
		return err
	}
	return h.evaluate(ctx, person, kontexte)
}

// HandlePersonRenamed replaces an address that no longer matches the name.
func (h *EmailEventHandler) HandlePersonRenamed(ctx context.Context, ev events.PersonRenamedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID))
	log.Info("received PersonRenamedEvent")

	person, err := h.syncPerson(ctx, events.PersonData{
		ID:        ev.PersonID,
		Username:  ev.Username,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
	})
	if err != nil {
		log.Error("could not store person", zap.Error(err))
		return
	}

	if err := h.rename(ctx, person); err != nil {
		log.Warn("rename handling incomplete", zap.Error(err))
	}
}

func (h *EmailEventHandler) rename(ctx context.Context, person *domain.Person) error {
	err := h.withPersonLock(ctx, person.ID, func() error {
		current, err := h.activeAddress(ctx, person.ID)
		if err != nil {
			return err
		}
		if current == nil {
			kontexte, err := h.store.FindKontexteByPerson(ctx, person.ID)
			if err != nil {
				return err
			}
			return h.evaluateLocked(ctx, person, kontexte)
		}
		if h.generator.IsEqual(current.Address, person.FirstName, person.LastName) {
			h.logger.Info("address still matches name",
				zap.String("personId", person.ID),
				zap.String("address", current.Address))
			return nil
		}
		return h.changeAddress(ctx, person, current)
	})
	if errors.Is(err, domain.ErrEmailUpdateInProgress) {
		h.deferPerson(person.ID, true)
	}
	return err
}

// HandleOxMetadataInKeycloakChanged enables the requested address once OX and Keycloak know it.
func (h *EmailEventHandler) HandleOxMetadataInKeycloakChanged(ctx context.Context, ev events.OxMetadataInKeycloakChangedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID), zap.String("oxUserId", ev.OxUserID))
	log.Info("received OxMetadataInKeycloakChangedEvent")

	requested, err := h.store.FindRequestedByPerson(ctx, ev.PersonID)
	if err != nil {
		log.Error("could not load requested address", zap.Error(err))
		return
	}
	if requested == nil {
		log.Warn("no requested address to enable")
		return
	}
	if confirmed := strings.ToLower(ev.EmailAddress); confirmed != "" && requested.Address != confirmed {
		log.Warn("address in event differs from requested address, taking the address known to OX",
			zap.String("requested", requested.Address),
			zap.String("event", confirmed))

		owner, err := h.store.FindByAddress(ctx, confirmed)
		switch {
		case err == nil && owner.ID != requested.ID:
			// another record holds the confirmed address, the retry sweep re-provisions
			log.Error("confirmed address is held by another record",
				zap.String("address", confirmed),
				zap.String("ownerPersonId", owner.PersonID))
			requested.Fail()
			if err := h.store.SaveEmailAddress(ctx, requested); err != nil {
				log.Error("could not persist failed address", zap.String("address", requested.Address), zap.Error(err))
				return
			}
			h.recorder.RecordStatusChange(domain.EmailAddressStatusFailed)
			return
		case err != nil && !errors.Is(err, domain.ErrEmailAddressNotFound):
			log.Error("could not check confirmed address", zap.Error(err))
			return
		}
		requested.Address = confirmed
	}

	requested.SetOxUserID(ev.OxUserID)
	if err := requested.Enable(); err != nil {
		log.Error("could not enable address", zap.String("address", requested.Address), zap.Error(err))
		return
	}
	if err := h.store.SaveEmailAddress(ctx, requested); err != nil {
		log.Error("could not persist enabled address", zap.String("address", requested.Address), zap.Error(err))
		return
	}
	h.recorder.RecordStatusChange(domain.EmailAddressStatusEnabled)
	log.Info("email address enabled", zap.String("address", requested.Address))
}

// HandlePersonDeleted deactivates the addresses of a deleted person.
func (h *EmailEventHandler) HandlePersonDeleted(ctx context.Context, ev events.PersonDeletedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID))
	log.Info("received PersonDeletedEvent")

	targets := map[string]struct{}{}
	if ev.EmailAddress != "" {
		targets[ev.EmailAddress] = struct{}{}
	}
	addresses, err := h.store.FindByPersonSortedByPriorityAsc(ctx, ev.PersonID)
	if err != nil {
		log.Error("could not load addresses", zap.Error(err))
	}
	for _, a := range addresses {
		if a.IsActive() {
			targets[a.Address] = struct{}{}
		}
	}

	for address := range targets {
		if err := h.store.DeactivateEmailAddress(ctx, address, h.now()); err != nil {
			log.Error("could not deactivate address", zap.String("address", address), zap.Error(err))
			continue
		}
		h.recorder.RecordStatusChange(domain.EmailAddressStatusDisabled)
		log.Info("email address deactivated", zap.String("address", address))
	}
}

func (h *EmailEventHandler) syncPerson(ctx context.Context, data events.PersonData) (*domain.Person, error) {
	person, err := h.store.FindPersonByID(ctx, data.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrPersonNotFound) {
			return nil, err
		}
		person = &domain.Person{ID: data.ID, CreatedAt: h.now().UTC()}
	}
	if data.Username != "" {
		person.Username = data.Username
	}
	if data.FirstName != "" {
		person.FirstName = data.FirstName
	}
	if data.LastName != "" {
		person.LastName = data.LastName
	}
	person.UpdatedAt = h.now().UTC()
	if err := h.store.SavePerson(ctx, person); err != nil {
		return nil, err
	}
	return person, nil
}

func (h *EmailEventHandler) withPersonLock(ctx context.Context, personID string, fn func() error) error {
	unlock, err := h.locker.TryLock(ctx, personID, h.lockTTL)
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return domain.ErrEmailUpdateInProgress
		}
		return err
	}
	defer unlock()

	pending, err := h.store.FindByPersonSortedByUpdatedAtDesc(ctx, personID, domain.EmailAddressStatusPending)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return domain.ErrEmailUpdateInProgress
	}
	return fn()
}

func (h *EmailEventHandler) evaluate(ctx context.Context, person *domain.Person, kontexte []*domain.Personenkontext) error {
	err := h.withPersonLock(ctx, person.ID, func() error {
		return h.evaluateLocked(ctx, person, kontexte)
	})
	if errors.Is(err, domain.ErrEmailUpdateInProgress) {
		h.deferPerson(person.ID, false)
	}
	return err
}

// deferPerson remembers a person whose evaluation hit a running update.
func (h *EmailEventHandler) deferPerson(personID string, rename bool) {
	h.deferredMu.Lock()
	defer h.deferredMu.Unlock()
	h.deferred[personID] = h.deferred[personID] || rename
	h.logger.Info("email evaluation deferred", zap.String("personId", personID), zap.Bool("rename", rename))
}

// Deferred returns the persons waiting for re-evaluation.
func (h *EmailEventHandler) Deferred() []string {
	h.deferredMu.Lock()
	defer h.deferredMu.Unlock()
	out := make([]string, 0, len(h.deferred))
	for id := range h.deferred {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RetryDeferred re-evaluates the persons whose evaluation was skipped because
// another update held them. Persons still held are deferred again.
func (h *EmailEventHandler) RetryDeferred(ctx context.Context) int {
	h.deferredMu.Lock()
	pending := h.deferred
	h.deferred = make(map[string]bool)
	h.deferredMu.Unlock()

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	done := 0
	for _, id := range ids {
		var err error
		if pending[id] {
			var person *domain.Person
			if person, err = h.store.FindPersonByID(ctx, id); err == nil {
				err = h.rename(ctx, person)
			}
		} else {
			err = h.HandlePerson(ctx, id)
		}
		if err != nil {
			h.logger.Warn("deferred email evaluation incomplete", zap.String("personId", id), zap.Error(err))
			continue
		}
		done++
	}
	return done
}

func (h *EmailEventHandler) evaluateLocked(ctx context.Context, person *domain.Person, kontexte []*domain.Personenkontext) error {
	log := h.logger.With(zap.String("personId", person.ID))

	ent, err := h.entitlement(ctx, kontexte)
	if err != nil {
		return err
	}
	if !ent.needed {
		return h.disableAll(ctx, person)
	}
	if ent.domain == nil {
		log.Error("person needs an email address but no email domain is configured")
		return domain.ErrEmailDomainNotFound
	}

	current, err := h.activeAddress(ctx, person.ID)
	if err != nil {
		return err
	}
	if current != nil {
		log.Info("person already has an active address", zap.String("address", current.Address))
		return nil
	}
	return h.requestAddress(ctx, person, ent)
}

// entitlement reports whether any kontext grants a service provider of Kategorie EMAIL.
func (h *EmailEventHandler) entitlement(ctx context.Context, kontexte []*domain.Personenkontext) (emailEntitlement, error) {
	var ent emailEntitlement
	if len(kontexte) == 0 {
		return ent, nil
	}

	rolleIDs := make([]string, 0, len(kontexte))
	for _, k := range kontexte {
		rolleIDs = append(rolleIDs, k.RolleID)
	}
	rollen, err := h.store.FindRollenByIDs(ctx, rolleIDs)
	if err != nil {
		return ent, err
	}

	var spIDs []string
	rolleByID := make(map[string]*domain.Rolle, len(rollen))
	for _, r := range rollen {
		rolleByID[r.ID] = r
		spIDs = append(spIDs, r.ServiceProviderIDs...)
	}
	providers, err := h.store.FindServiceProvidersByIDs(ctx, spIDs)
	if err != nil {
		return ent, err
	}
	emailProviders := make(map[string]struct{})
	for _, sp := range providers {
		if sp.Kategorie == domain.ServiceProviderKategorieEmail {
			emailProviders[sp.ID] = struct{}{}
		}
	}

	for _, k := range kontexte {
		rolle, ok := rolleByID[k.RolleID]
		if !ok {
			continue
		}
		for _, spID := range rolle.ServiceProviderIDs {
			if _, ok := emailProviders[spID]; !ok {
				continue
			}
			ent.needed = true
			if ent.domain == nil {
				d, err := h.store.FindEmailDomainByServiceProvider(ctx, spID)
				if err != nil && !errors.Is(err, domain.ErrEmailDomainNotFound) {
					return ent, err
				}
				ent.domain = d
			}
			if ent.kennung == "" {
				if org, err := h.store.FindOrganisationByID(ctx, k.OrganisationID); err == nil {
					ent.kennung = org.Kennung
				}
			}
		}
	}
	return ent, nil
}

func (h *EmailEventHandler) activeAddress(ctx context.Context, personID string) (*domain.EmailAddress, error) {
	enabled, err := h.store.FindEnabledByPerson(ctx, personID)
	if err != nil || enabled != nil {
		return enabled, err
	}
	return h.store.FindRequestedByPerson(ctx, personID)
}

func (h *EmailEventHandler) requestAddress(ctx context.Context, person *domain.Person, ent emailEntitlement) error {
	log := h.logger.With(zap.String("personId", person.ID))

	addresses, err := h.store.FindByPersonSortedByUpdatedAtDesc(ctx, person.ID, "")
	if err != nil {
		return err
	}

	var candidate *domain.EmailAddress
	for _, a := range addresses {
		if a.DomainPart() != ent.domain.Domain {
			continue
		}
		if a.Status == domain.EmailAddressStatusDisabled || a.Status == domain.EmailAddressStatusFailed {
			candidate = a
			break
		}
	}

	if candidate == nil {
		generated, err := h.generator.GenerateAvailableAddress(ctx, person.FirstName, person.LastName, ent.domain.Domain)
		if err != nil {
			log.Error("could not generate email address", zap.Error(err))
			h.publisher.Publish(ctx, events.EmailAddressGenerationFailedEvent{
				PersonID: person.ID,
				Username: person.Username,
				Reason:   err.Error(),
			})
			return err
		}
		candidate = domain.NewEmailAddress(person.ID, generated, domain.EmailAddressStatusRequested)
	} else if err := candidate.Request(); err != nil {
		return err
	}

	// a re-requested primary keeps its slot
	if len(addresses) > 0 && !(candidate.Priority == 0 && isStored(addresses, candidate.ID)) {
		if err := h.store.ShiftPriorities(ctx, person.ID); err != nil {
			return err
		}
	}
	candidate.Priority = 0

	if err := h.store.SaveEmailAddress(ctx, candidate); err != nil {
		return err
	}
	h.recorder.RecordStatusChange(domain.EmailAddressStatusRequested)
	log.Info("email address requested", zap.String("address", candidate.Address))

	h.publisher.Publish(ctx, events.EmailAddressGeneratedEvent{
		PersonID:            person.ID,
		Username:            person.Username,
		EmailAddressID:      candidate.ID,
		Address:             candidate.Address,
		Enabled:             false,
		OrganisationKennung: ent.kennung,
	})
	return nil
}

func isStored(addresses []*domain.EmailAddress, id string) bool {
	for _, a := range addresses {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (h *EmailEventHandler) changeAddress(ctx context.Context, person *domain.Person, current *domain.EmailAddress) error {
	log := h.logger.With(zap.String("personId", person.ID))

	generated, err := h.generator.GenerateAvailableAddress(ctx, person.FirstName, person.LastName, current.DomainPart())
	if err != nil {
		log.Error("could not generate email address for new name", zap.Error(err))
		h.publisher.Publish(ctx, events.EmailAddressGenerationFailedEvent{
			PersonID: person.ID,
			Username: person.Username,
			Reason:   err.Error(),
		})
		return err
	}

	if err := h.store.ShiftPriorities(ctx, person.ID); err != nil {
		return err
	}
	next := domain.NewEmailAddress(person.ID, generated, domain.EmailAddressStatusRequested)
	if err := h.store.SaveEmailAddress(ctx, next); err != nil {
		return err
	}
	h.recorder.RecordStatusChange(domain.EmailAddressStatusRequested)

	old, err := h.store.FindByID(ctx, current.ID)
	if err != nil {
		return err
	}
	if err := old.Disable(h.now()); err != nil {
		return err
	}
	if err := h.store.SaveEmailAddress(ctx, old); err != nil {
		return err
	}
	h.recorder.RecordStatusChange(domain.EmailAddressStatusDisabled)

	kennung := ""
	if kontexte, err := h.store.FindKontexteByPerson(ctx, person.ID); err == nil {
		if ent, err := h.entitlement(ctx, kontexte); err == nil {
			kennung = ent.kennung
		}
	}

	log.Info("email address changed", zap.String("old", old.Address), zap.String("new", next.Address))
	h.publisher.Publish(ctx, events.EmailAddressChangedEvent{
		PersonID:            person.ID,
		Username:            person.Username,
		OldEmailAddressID:   old.ID,
		OldAddress:          old.Address,
		NewEmailAddressID:   next.ID,
		NewAddress:          next.Address,
		OrganisationKennung: kennung,
	})
	return nil
}

func (h *EmailEventHandler) disableAll(ctx context.Context, person *domain.Person) error {
	addresses, err := h.store.FindByPersonSortedByPriorityAsc(ctx, person.ID)
	if err != nil {
		return err
	}
	for _, a := range addresses {
		if !a.IsActive() {
			continue
		}
		if err := a.Disable(h.now()); err != nil {
			return err
		}
		if err := h.store.SaveEmailAddress(ctx, a); err != nil {
			return err
		}
		h.recorder.RecordStatusChange(domain.EmailAddressStatusDisabled)
		h.logger.Info("email address disabled", zap.String("personId", person.ID), zap.String("address", a.Address))

		oxUserID := ""
		if a.OxUserID != nil {
			oxUserID = *a.OxUserID
		}
		h.publisher.Publish(ctx, events.EmailAddressDisabledEvent{
			PersonID:       person.ID,
			Username:       person.Username,
			EmailAddressID: a.ID,
			Address:        a.Address,
			OxUserID:       oxUserID,
		})
	}
	return nil
}
