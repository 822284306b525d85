package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/ldap"
	"spsh/backend/internal/storage"
)

// LdapEventHandler keeps the mail attributes of the directory entry in line with the enabled address.
type LdapEventHandler struct {
	store  storage.Store
	ldap   LdapClient
	logger *zap.Logger
}

// NewLdapEventHandler creates the handler.
func NewLdapEventHandler(store storage.Store, ldapClient LdapClient, logger *zap.Logger) *LdapEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LdapEventHandler{
		store:  store,
		ldap:   ldapClient,
		logger: logger.Named("ldap-event-handler"),
	}
}

// Register subscribes the handler on bus.
func (h *LdapEventHandler) Register(bus *events.Bus) {
	events.On(bus, h.HandleOxMetadataInKeycloakChanged)
	events.On(bus, h.HandlePersonDeleted)
}

// HandleOxMetadataInKeycloakChanged writes the new primary mail and the previous address as alias.
func (h *LdapEventHandler) HandleOxMetadataInKeycloakChanged(ctx context.Context, ev events.OxMetadataInKeycloakChangedEvent) {
	// stored addresses are lower case
	address := strings.ToLower(ev.EmailAddress)
	log := h.logger.With(zap.String("personId", ev.PersonID), zap.String("address", address))
	if address == "" {
		log.Warn("event carries no email address")
		return
	}

	emailDomain := domain.AddressDomain(address)

	aliasMail := ""
	if addresses, err := h.store.FindByPersonSortedByPriorityAsc(ctx, ev.PersonID); err == nil {
		for _, a := range addresses {
			if a.Address == address {
				continue
			}
			if a.Status == domain.EmailAddressStatusEnabled || a.Status == domain.EmailAddressStatusDisabled {
				aliasMail = a.Address
				break
			}
		}
	}

	exists, err := h.ldap.IsPersonExisting(ctx, ev.PersonID, emailDomain)
	if err != nil {
		log.Error("could not check ldap entry", zap.Error(err))
		return
	}
	if exists {
		err = h.ldap.UpdatePerson(ctx, ev.PersonID, emailDomain, address, aliasMail)
	} else {
		data := ldap.PersonData{
			PersonID:    ev.PersonID,
			Username:    ev.Username,
			PrimaryMail: address,
			Domain:      emailDomain,
		}
		if person, err := h.store.FindPersonByID(ctx, ev.PersonID); err == nil {
			data.FirstName = person.FirstName
			data.LastName = person.LastName
		}
		err = h.ldap.CreatePerson(ctx, data)
	}
	if err != nil {
		log.Error("could not upsert ldap entry", zap.Error(err))
		return
	}
	log.Info("ldap entry updated", zap.String("alias", aliasMail))
}

// HandlePersonDeleted removes the directory entry.
func (h *LdapEventHandler) HandlePersonDeleted(ctx context.Context, ev events.PersonDeletedEvent) {
	log := h.logger.With(zap.String("personId", ev.PersonID))
	if ev.EmailAddress == "" {
		log.Info("deleted person had no email address, no ldap entry to remove")
		return
	}
	if err := h.ldap.DeletePerson(ctx, ev.PersonID, domain.AddressDomain(ev.EmailAddress)); err != nil {
		log.Error("could not delete ldap entry", zap.Error(err))
		return
	}
	log.Info("ldap entry deleted")
}
