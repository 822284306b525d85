package service

import (
	"context"

	"go.uber.org/zap"

	"spsh/backend/internal/events"
	"spsh/backend/internal/storage"
)

// KeycloakEventHandler stores the OX account of a person in its Keycloak user attributes.
type KeycloakEventHandler struct {
	repo      storage.EmailAddressRepository
	keycloak  KeycloakClient
	publisher events.Publisher
	logger    *zap.Logger
}

// NewKeycloakEventHandler creates the handler.
func NewKeycloakEventHandler(repo storage.EmailAddressRepository, keycloak KeycloakClient, publisher events.Publisher, logger *zap.Logger) *KeycloakEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeycloakEventHandler{
		repo:      repo,
		keycloak:  keycloak,
		publisher: publisher,
		logger:    logger.Named("keycloak-event-handler"),
	}
}

// Register subscribes the handler on bus.
func (h *KeycloakEventHandler) Register(bus *events.Bus) {
	events.On(bus, h.HandleOxUserCreated)
	events.On(bus, h.HandleOxUserChanged)
}

// HandleOxUserCreated pushes a new OX account to Keycloak.
func (h *KeycloakEventHandler) HandleOxUserCreated(ctx context.Context, ev events.OxUserCreatedEvent) {
	h.sync(ctx, oxAccount(ev))
}

// HandleOxUserChanged pushes a changed OX account to Keycloak.
func (h *KeycloakEventHandler) HandleOxUserChanged(ctx context.Context, ev events.OxUserChangedEvent) {
	h.sync(ctx, oxAccount(events.OxUserCreatedEvent(ev)))
}

func oxAccount(ev events.OxUserCreatedEvent) events.OxMetadataInKeycloakChangedEvent {
	return events.OxMetadataInKeycloakChangedEvent{
		PersonID:      ev.PersonID,
		Username:      ev.Username,
		OxUserID:      ev.OxUserID,
		OxUserName:    ev.OxUserName,
		OxContextID:   ev.OxContextID,
		OxContextName: ev.OxContextName,
		EmailAddress:  ev.PrimaryEmail,
	}
}

func (h *KeycloakEventHandler) sync(ctx context.Context, account events.OxMetadataInKeycloakChangedEvent) {
	log := h.logger.With(zap.String("personId", account.PersonID), zap.String("oxUserId", account.OxUserID))

	err := h.keycloak.UpdateOXUserAttributes(ctx, account.Username, account.OxUserName, account.OxContextName)
	if err != nil {
		log.Error("could not update keycloak user attributes", zap.Error(err))
		h.markFailed(ctx, log, account.EmailAddress)
		return
	}
	log.Info("ox metadata stored in keycloak")
	h.publisher.Publish(ctx, account)
}

func (h *KeycloakEventHandler) markFailed(ctx context.Context, log *zap.Logger, address string) {
	if address == "" {
		return
	}
	a, err := h.repo.FindByAddress(ctx, address)
	if err != nil {
		log.Error("could not load email address", zap.String("address", address), zap.Error(err))
		return
	}
	a.Fail()
	if err := h.repo.SaveEmailAddress(ctx, a); err != nil {
		log.Error("could not persist failed status", zap.String("address", address), zap.Error(err))
	}
}
