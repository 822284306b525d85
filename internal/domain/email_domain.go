package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailDomain maps a service provider to the DNS domain used for address generation.
type EmailDomain struct {
	ID                string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ServiceProviderID string    `json:"serviceProviderId" gorm:"type:varchar(36);uniqueIndex;not null"`
	Domain            string    `json:"domain" gorm:"type:varchar(253);not null"`
	CreatedAt         time.Time `json:"createdAt"`
}

// NewEmailDomain creates an EmailDomain.
func NewEmailDomain(serviceProviderID, domain string) *EmailDomain {
	return &EmailDomain{
		ID:                uuid.New().String(),
		ServiceProviderID: serviceProviderID,
		Domain:            strings.ToLower(strings.TrimSpace(domain)),
		CreatedAt:         time.Now().UTC(),
	}
}
