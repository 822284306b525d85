package domain

import "time"

// Person is owned by the person module and consumed read-only here.
type Person struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username  string    `json:"username" gorm:"type:varchar(255);uniqueIndex"`
	FirstName string    `json:"firstName" gorm:"type:varchar(255)"`
	LastName  string    `json:"lastName" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Organisation is a school or an administrative unit.
type Organisation struct {
	ID      string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Kennung string `json:"kennung" gorm:"type:varchar(64);index"`
	Name    string `json:"name" gorm:"type:varchar(255)"`
}

// Rollenart is the category of a Rolle.
type Rollenart string

const (
	RollenartLehr     Rollenart = "LEHR"
	RollenartLern     Rollenart = "LERN"
	RollenartLeit     Rollenart = "LEIT"
	RollenartSysadmin Rollenart = "SYSADMIN"
	RollenartExtern   Rollenart = "EXTERN"
	RollenartOrgadmin Rollenart = "ORGADMIN"
)

// Rolle grants access to a set of service providers.
type Rolle struct {
	ID                 string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name               string    `json:"name" gorm:"type:varchar(255)"`
	Rollenart          Rollenart `json:"rollenart" gorm:"type:varchar(20)"`
	ServiceProviderIDs []string  `json:"serviceProviderIds" gorm:"serializer:json;type:json"`
}

// ServiceProviderKategorie groups service providers.
type ServiceProviderKategorie string

const (
	ServiceProviderKategorieEmail      ServiceProviderKategorie = "EMAIL"
	ServiceProviderKategorieUnterricht ServiceProviderKategorie = "UNTERRICHT"
	ServiceProviderKategorieVerwaltung ServiceProviderKategorie = "VERWALTUNG"
	ServiceProviderKategorieHinweise   ServiceProviderKategorie = "HINWEISE"
	ServiceProviderKategorieAngebote   ServiceProviderKategorie = "ANGEBOTE"
)

// ServiceProvider is an application a Rolle can unlock.
type ServiceProvider struct {
	ID        string                   `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string                   `json:"name" gorm:"type:varchar(255)"`
	Kategorie ServiceProviderKategorie `json:"kategorie" gorm:"type:varchar(20);index"`
}

// Personenkontext assigns a person to a Rolle at an Organisation.
type Personenkontext struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PersonID       string    `json:"personId" gorm:"type:varchar(36);index"`
	OrganisationID string    `json:"organisationId" gorm:"type:varchar(36)"`
	RolleID        string    `json:"rolleId" gorm:"type:varchar(36)"`
	CreatedAt      time.Time `json:"createdAt"`
}
