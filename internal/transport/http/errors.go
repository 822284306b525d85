package httptransport

import (
	"errors"
	"net/http"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/service"
)

// Messages returned to clients.
const (
	MsgInvalidRequest       = "invalid request"
	MsgDomainNotFound       = "no e-mail domain configured for service provider"
	MsgUpdateInProgress     = "e-mail update for person already in progress"
	MsgInvalidName          = "person name cannot be turned into an e-mail address"
	MsgGenerationFailed     = "e-mail address could not be provisioned"
	MsgPersonHasNoAddresses = "person has no e-mail addresses"
	MsgInternalError        = "internal server error"
)

// statusFor maps a provisioning error to an HTTP status and message.
func statusFor(err error) (int, string) {
	var (
		invalidName   *domain.InvalidNameError
		invalidChars  *domain.InvalidCharacterSetError
		invalidLength *domain.InvalidAttributeLengthError
	)
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, MsgInvalidRequest
	case errors.Is(err, domain.ErrEmailDomainNotFound):
		return http.StatusNotFound, MsgDomainNotFound
	case errors.Is(err, domain.ErrEmailUpdateInProgress):
		return http.StatusConflict, MsgUpdateInProgress
	case errors.As(err, &invalidName), errors.As(err, &invalidChars), errors.As(err, &invalidLength):
		return http.StatusUnprocessableEntity, MsgInvalidName
	case errors.Is(err, domain.ErrEmailAddressGenerationAttemptsExceeded):
		return http.StatusBadGateway, MsgGenerationFailed
	default:
		return http.StatusInternalServerError, MsgInternalError
	}
}
