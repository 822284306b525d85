package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/ox"
	"spsh/backend/internal/storage"
)

// OxEventHandler mirrors e-mail address events into OX.
type OxEventHandler struct {
	store     storage.Store
	ox        *OxEventService
	publisher events.Publisher
	recorder  Recorder
	logger    *zap.Logger
}

// NewOxEventHandler creates the handler. recorder may be nil.
func NewOxEventHandler(store storage.Store, oxService *OxEventService, publisher events.Publisher, recorder Recorder, logger *zap.Logger) *OxEventHandler {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OxEventHandler{
		store:     store,
		ox:        oxService,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.Named("ox-event-handler"),
	}
}

// Register subscribes the handler on bus.
func (h *OxEventHandler) Register(bus *events.Bus) {
	events.On(bus, h.HandleEmailAddressGenerated)
	events.On(bus, h.HandleEmailAddressChanged)
	events.On(bus, h.HandleEmailAddressDisabled)
	events.On(bus, h.HandlePersonDeleted)
	events.On(bus, h.HandleEmailAddressMarkedForDeletion)
	events.On(bus, h.HandlePersonenkontextUpdated)
}

// HandleEmailAddressGenerated creates or updates the OX account for a requested address.
func (h *OxEventHandler) HandleEmailAddressGenerated(ctx context.Context, ev events.EmailAddressGeneratedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID), zap.String("address", ev.Address))
	log.Info("received EmailAddressGeneratedEvent")

	address, err := h.loadAddress(ctx, ev.EmailAddressID, ev.Address)
	if err != nil {
		log.Error("could not load email address", zap.Error(err))
		return
	}
	person := h.loadPerson(ctx, ev.PersonID, ev.Username)

	data, created, err := h.ox.CreateOrUpdateUser(ctx, OxUser{
		Username:     person.Username,
		FirstName:    person.FirstName,
		LastName:     person.LastName,
		PrimaryEmail: address.Address,
	})
	if err != nil {
		log.Error("could not create ox user", zap.Error(err))
		h.markFailed(ctx, log, address, err)
		return
	}

	address.SetOxUserID(data.ID)
	if err := h.store.SaveEmailAddress(ctx, address); err != nil {
		log.Error("could not store ox user id", zap.Error(err))
		return
	}

	for _, kennung := range h.teacherKennungen(ctx, ev.PersonID) {
		if err := h.ox.AddUserToTeacherGroup(ctx, data.ID, kennung); err != nil {
			log.Warn("could not add user to teacher group", zap.String("kennung", kennung), zap.Error(err))
		}
	}

	if created {
		h.publisher.Publish(ctx, events.OxUserCreatedEvent{
			PersonID:       ev.PersonID,
			Username:       person.Username,
			OxUserID:       data.ID,
			OxUserName:     data.Username,
			OxContextID:    h.ox.ContextID(),
			OxContextName:  h.ox.ContextName(),
			PrimaryEmail:   address.Address,
			EmailAddressID: address.ID,
		})
		return
	}
	h.publishChanged(ctx, ev.PersonID, person.Username, data, address)
}

// HandleEmailAddressChanged swaps the primary mail in OX and keeps the old address as alias.
func (h *OxEventHandler) HandleEmailAddressChanged(ctx context.Context, ev events.EmailAddressChangedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID), zap.String("old", ev.OldAddress), zap.String("new", ev.NewAddress))
	log.Info("received EmailAddressChangedEvent")

	next, err := h.loadAddress(ctx, ev.NewEmailAddressID, ev.NewAddress)
	if err != nil {
		log.Error("could not load new email address", zap.Error(err))
		return
	}

	oxUserID := ""
	if old, err := h.loadAddress(ctx, ev.OldEmailAddressID, ev.OldAddress); err == nil && old.OxUserID != nil {
		oxUserID = *old.OxUserID
	}

	var data *ox.UserData
	if oxUserID != "" {
		if err := h.ox.ChangePrimaryMail(ctx, oxUserID, next.Address, ev.OldAddress); err != nil {
			log.Error("could not change primary mail", zap.Error(err))
			h.markFailed(ctx, log, next, err)
			return
		}
		data = &ox.UserData{ID: oxUserID, Username: ev.Username}
	} else {
		person := h.loadPerson(ctx, ev.PersonID, ev.Username)
		data, _, err = h.ox.CreateOrUpdateUser(ctx, OxUser{
			Username:     person.Username,
			FirstName:    person.FirstName,
			LastName:     person.LastName,
			PrimaryEmail: next.Address,
			Aliases:      []string{ev.OldAddress},
		})
		if err != nil {
			log.Error("could not upsert ox user", zap.Error(err))
			h.markFailed(ctx, log, next, err)
			return
		}
	}

	next.SetOxUserID(data.ID)
	if err := h.store.SaveEmailAddress(ctx, next); err != nil {
		log.Error("could not store ox user id", zap.Error(err))
		return
	}
	h.publishChanged(ctx, ev.PersonID, ev.Username, data, next)
}

// HandleEmailAddressDisabled removes the OX account from all groups.
func (h *OxEventHandler) HandleEmailAddressDisabled(ctx context.Context, ev events.EmailAddressDisabledEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID), zap.String("address", ev.Address))
	log.Info("received EmailAddressDisabledEvent")

	address, _ := h.loadAddress(ctx, ev.EmailAddressID, ev.Address)
	oxUserID := ev.OxUserID
	if oxUserID == "" && address != nil && address.OxUserID != nil {
		oxUserID = *address.OxUserID
	}
	if oxUserID == "" {
		log.Info("address was never provisioned in ox")
		return
	}

	if err := h.ox.RemoveUserFromAllGroups(ctx, oxUserID); err != nil {
		log.Error("could not remove user from groups", zap.String("oxUserId", oxUserID), zap.Error(err))
		if address != nil {
			h.markFailed(ctx, log, address, err)
		}
		return
	}
	log.Info("ox user removed from all groups", zap.String("oxUserId", oxUserID))
}

// HandlePersonDeleted removes the OX account of a deleted person.
func (h *OxEventHandler) HandlePersonDeleted(ctx context.Context, ev events.PersonDeletedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID))
	log.Info("received PersonDeletedEvent")

	oxUserID := ev.OxUserID
	if oxUserID == "" && ev.EmailAddress != "" {
		if a, err := h.store.FindByAddress(ctx, ev.EmailAddress); err == nil && a.OxUserID != nil {
			oxUserID = *a.OxUserID
		}
	}
	if oxUserID == "" {
		log.Info("person has no ox account")
		return
	}

	log = log.With(zap.String("oxUserId", oxUserID))
	if err := h.ox.RemoveUserFromAllGroups(ctx, oxUserID); err != nil {
		log.Error("could not remove user from groups", zap.Error(err))
	}
	if err := h.ox.DeleteUser(ctx, oxUserID); err != nil {
		log.Error("could not delete ox user", zap.Error(err))
		return
	}
	log.Info("ox user deleted")
}

// HandleEmailAddressMarkedForDeletion removes the alias from OX, then deletes the record.
func (h *OxEventHandler) HandleEmailAddressMarkedForDeletion(ctx context.Context, ev events.EmailAddressMarkedForDeletionEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID), zap.String("address", ev.Address))
	log.Info("received EmailAddressMarkedForDeletionEvent")

	address, err := h.loadAddress(ctx, ev.EmailAddressID, ev.Address)
	if err != nil {
		if errors.Is(err, domain.ErrEmailAddressNotFound) {
			log.Info("address already deleted")
			return
		}
		log.Error("could not load email address", zap.Error(err))
		return
	}

	if ev.OxUserID != "" {
		if err := h.ox.RemoveAlias(ctx, ev.OxUserID, address.Address); err != nil {
			log.Error("could not remove alias from ox", zap.String("oxUserId", ev.OxUserID), zap.Error(err))
			h.markFailed(ctx, log, address, err)
			return
		}
	}

	if err := h.store.DeleteEmailAddress(ctx, address.ID); err != nil && !errors.Is(err, domain.ErrEmailAddressNotFound) {
		log.Error("could not delete email address", zap.Error(err))
		return
	}
	log.Info("email address purged")
}

// HandlePersonenkontextUpdated keeps the teacher group memberships in line with LEHR kontexte.
func (h *OxEventHandler) HandlePersonenkontextUpdated(ctx context.Context, ev events.PersonenkontextUpdatedEvent) {
	log := h.logger.With(zap.String("personId", ev.Person.ID))

	enabled, err := h.store.FindEnabledByPerson(ctx, ev.Person.ID)
	if err != nil {
		log.Error("could not load enabled address", zap.Error(err))
		return
	}
	if enabled == nil || enabled.OxUserID == nil {
		// group membership is set up when the account gets created
		return
	}
	oxUserID := *enabled.OxUserID

	for _, k := range ev.New {
		if k.Rollenart != domain.RollenartLehr {
			continue
		}
		kennung := h.kennung(ctx, k)
		if kennung == "" {
			continue
		}
		if err := h.ox.AddUserToTeacherGroup(ctx, oxUserID, kennung); err != nil {
			log.Error("could not add user to teacher group", zap.String("kennung", kennung), zap.Error(err))
		}
	}
	for _, k := range ev.Removed {
		if k.Rollenart != domain.RollenartLehr {
			continue
		}
		kennung := h.kennung(ctx, k)
		if kennung == "" || stillTeacherAt(ev.Current, k.OrganisationID) {
			continue
		}
		if err := h.ox.RemoveUserFromGroup(ctx, oxUserID, h.ox.TeacherGroupName(kennung)); err != nil {
			log.Error("could not remove user from teacher group", zap.String("kennung", kennung), zap.Error(err))
		}
	}
}

func stillTeacherAt(current []events.KontextData, organisationID string) bool {
	for _, k := range current {
		if k.OrganisationID == organisationID && k.Rollenart == domain.RollenartLehr {
			return true
		}
	}
	return false
}

func (h *OxEventHandler) kennung(ctx context.Context, k events.KontextData) string {
	if k.OrganisationKennung != "" {
		return k.OrganisationKennung
	}
	org, err := h.store.FindOrganisationByID(ctx, k.OrganisationID)
	if err != nil {
		return ""
	}
	return org.Kennung
}

// teacherKennungen returns the Kennungen of every organisation where the person holds a LEHR Rolle.
func (h *OxEventHandler) teacherKennungen(ctx context.Context, personID string) []string {
	kontexte, err := h.store.FindKontexteByPerson(ctx, personID)
	if err != nil || len(kontexte) == 0 {
		return nil
	}
	rolleIDs := make([]string, 0, len(kontexte))
	for _, k := range kontexte {
		rolleIDs = append(rolleIDs, k.RolleID)
	}
	rollen, err := h.store.FindRollenByIDs(ctx, rolleIDs)
	if err != nil {
		return nil
	}
	lehr := make(map[string]bool, len(rollen))
	for _, r := range rollen {
		lehr[r.ID] = r.Rollenart == domain.RollenartLehr
	}

	seen := make(map[string]struct{})
	var out []string
	for _, k := range kontexte {
		if !lehr[k.RolleID] {
			continue
		}
		org, err := h.store.FindOrganisationByID(ctx, k.OrganisationID)
		if err != nil || org.Kennung == "" {
			continue
		}
		if _, ok := seen[org.Kennung]; ok {
			continue
		}
		seen[org.Kennung] = struct{}{}
		out = append(out, org.Kennung)
	}
	return out
}

func (h *OxEventHandler) loadAddress(ctx context.Context, id, address string) (*domain.EmailAddress, error) {
	if id != "" {
		a, err := h.store.FindByID(ctx, id)
		if err == nil || !errors.Is(err, domain.ErrEmailAddressNotFound) || address == "" {
			return a, err
		}
	}
	return h.store.FindByAddress(ctx, address)
}

func (h *OxEventHandler) loadPerson(ctx context.Context, personID, username string) *domain.Person {
	person, err := h.store.FindPersonByID(ctx, personID)
	if err != nil {
		h.logger.Warn("person not in read model, using event data", zap.String("personId", personID), zap.Error(err))
		return &domain.Person{ID: personID, Username: username}
	}
	if person.Username == "" {
		person.Username = username
	}
	return person
}

func (h *OxEventHandler) publishChanged(ctx context.Context, personID, username string, data *ox.UserData, address *domain.EmailAddress) {
	oxUserName := data.Username
	if oxUserName == "" {
		oxUserName = username
	}
	h.publisher.Publish(ctx, events.OxUserChangedEvent{
		PersonID:       personID,
		Username:       username,
		OxUserID:       data.ID,
		OxUserName:     oxUserName,
		OxContextID:    h.ox.ContextID(),
		OxContextName:  h.ox.ContextName(),
		PrimaryEmail:   address.Address,
		EmailAddressID: address.ID,
	})
}

// markFailed records an OX failure on the address that drove the call.
func (h *OxEventHandler) markFailed(ctx context.Context, log *zap.Logger, address *domain.EmailAddress, cause error) {
	status := domain.EmailAddressStatusFailed
	if errors.Is(cause, ox.ErrPrimaryMailAlreadyExists) && address.MarkExistsOnlyInOx() == nil {
		status = domain.EmailAddressStatusExistsOnlyInOx
	} else {
		address.Fail()
	}
	if err := h.store.SaveEmailAddress(ctx, address); err != nil {
		log.Error("could not persist failed status", zap.String("address", address.Address), zap.Error(err))
		return
	}
	h.recorder.RecordStatusChange(status)
}
