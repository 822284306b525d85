package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/service"
)

// EmailProvisioner is the synchronous provisioning use case.
type EmailProvisioner interface {
	SetEmailAddressForSpshPerson(ctx context.Context, in service.SetEmailAddressInput) (*domain.EmailAddress, error)
}

// EmailReader reads stored addresses and domains.
type EmailReader interface {
	FindByPersonSortedByPriorityAsc(ctx context.Context, personID string) ([]*domain.EmailAddress, error)
	ListEmailDomains(ctx context.Context) ([]*domain.EmailDomain, error)
}

// EmailHandler serves the e-mail endpoints.
type EmailHandler struct {
	provisioner EmailProvisioner
	reader      EmailReader
	logger      *zap.Logger
}

// NewEmailHandler creates an EmailHandler.
func NewEmailHandler(provisioner EmailProvisioner, reader EmailReader, logger *zap.Logger) *EmailHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailHandler{provisioner: provisioner, reader: reader, logger: logger.Named("email-handler")}
}

type setEmailRequest struct {
	Username          string `json:"username" binding:"required,max=255"`
	FirstName         string `json:"firstName" binding:"required,max=255"`
	LastName          string `json:"lastName" binding:"required,max=255"`
	ServiceProviderID string `json:"serviceProviderId" binding:"required,max=64"`
}

type emailAddressResponse struct {
	ID            string     `json:"id"`
	Address       string     `json:"address"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	OxUserID      *string    `json:"oxUserId,omitempty"`
	MarkedForCron *time.Time `json:"markedForCron,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func toResponse(a *domain.EmailAddress) emailAddressResponse {
	return emailAddressResponse{
		ID:            a.ID,
		Address:       a.Address,
		Status:        string(a.Status),
		Priority:      a.Priority,
		OxUserID:      a.OxUserID,
		MarkedForCron: a.MarkedForCron,
		UpdatedAt:     a.UpdatedAt,
	}
}

// setEmailAddress provisions the primary address of a person.
func (h *EmailHandler) setEmailAddress(c *gin.Context) {
	var req setEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest+": "+err.Error())
		return
	}

	address, err := h.provisioner.SetEmailAddressForSpshPerson(c.Request.Context(), service.SetEmailAddressInput{
		PersonID:          c.Param("personId"),
		Username:          req.Username,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		ServiceProviderID: req.ServiceProviderID,
	})
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("email provisioning failed", zap.String("personId", c.Param("personId")), zap.Error(err))
		}
		Error(c, status, msg)
		return
	}

	Created(c, toResponse(address))
}

// listEmailAddresses returns the addresses of a person ordered by priority.
func (h *EmailHandler) listEmailAddresses(c *gin.Context) {
	addresses, err := h.reader.FindByPersonSortedByPriorityAsc(c.Request.Context(), c.Param("personId"))
	if err != nil {
		h.logger.Error("failed to list email addresses", zap.String("personId", c.Param("personId")), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	if len(addresses) == 0 {
		NotFound(c, MsgPersonHasNoAddresses)
		return
	}

	out := make([]emailAddressResponse, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, toResponse(a))
	}
	Success(c, out)
}

// listEmailDomains returns the configured e-mail domains.
func (h *EmailHandler) listEmailDomains(c *gin.Context) {
	domains, err := h.reader.ListEmailDomains(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list email domains", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, domains)
}
