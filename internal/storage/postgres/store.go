package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"
)

// Store is the gorm backed storage.Store.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore opens a PostgreSQL store.
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore opens a MySQL store.
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreWithDialector opens a store on any gorm dialector and migrates the schema.
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	config := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.EmailAddress{},
		&domain.EmailDomain{},
		&domain.Person{},
		&domain.Personenkontext{},
		&domain.Rolle{},
		&domain.ServiceProvider{},
		&domain.Organisation{},
	)
}

// DB exposes the gorm handle for callers that need raw access (migrations, seeding).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// OpenConnections returns the number of open pool connections.
func (s *Store) OpenConnections() int {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0
	}
	return sqlDB.Stats().OpenConnections
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// ========== EmailAddressRepository ==========

// SaveEmailAddress inserts or updates an address.
func (s *Store) SaveEmailAddress(ctx context.Context, address *domain.EmailAddress) error {
	address.Address = strings.ToLower(address.Address)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.EmailAddress{}).
			Where("address = ? AND id <> ?", address.Address, address.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrEmailAddressExists
		}
		if err := tx.Save(address).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return storage.ErrEmailAddressExists
			}
			return err
		}
		return nil
	})
}

// FindByID returns the address with id.
func (s *Store) FindByID(ctx context.Context, id string) (*domain.EmailAddress, error) {
	var a domain.EmailAddress
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err, domain.ErrEmailAddressNotFound)
	}
	return &a, nil
}

// FindByAddress returns the record holding address.
func (s *Store) FindByAddress(ctx context.Context, address string) (*domain.EmailAddress, error) {
	var a domain.EmailAddress
	if err := s.db.WithContext(ctx).Where("address = ?", strings.ToLower(address)).First(&a).Error; err != nil {
		return nil, notFound(err, domain.ErrEmailAddressNotFound)
	}
	return &a, nil
}

// ExistsEmailAddress reports whether any record holds address.
func (s *Store) ExistsEmailAddress(ctx context.Context, address string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.EmailAddress{}).
		Where("address = ?", strings.ToLower(address)).
		Count(&count).Error
	return count > 0, err
}

// FindByPersonSortedByUpdatedAtDesc lists the addresses of a person, newest first.
func (s *Store) FindByPersonSortedByUpdatedAtDesc(ctx context.Context, personID string, status domain.EmailAddressStatus) ([]*domain.EmailAddress, error) {
	q := s.db.WithContext(ctx).Where("person_id = ?", personID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*domain.EmailAddress
	err := q.Order("updated_at DESC").Order("created_at DESC").Find(&out).Error
	return out, err
}

// FindByPersonSortedByPriorityAsc lists the addresses of a person, primary first.
func (s *Store) FindByPersonSortedByPriorityAsc(ctx context.Context, personID string) ([]*domain.EmailAddress, error) {
	var out []*domain.EmailAddress
	err := s.db.WithContext(ctx).
		Where("person_id = ?", personID).
		Order("priority ASC").Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (s *Store) firstWithStatus(ctx context.Context, personID string, status domain.EmailAddressStatus) (*domain.EmailAddress, error) {
	var out []*domain.EmailAddress
	err := s.db.WithContext(ctx).
		Where("person_id = ? AND status = ?", personID, status).
		Order("priority ASC").Order("created_at ASC").
		Limit(1).
		Find(&out).Error
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// FindEnabledByPerson returns the ENABLED address with the lowest priority.
func (s *Store) FindEnabledByPerson(ctx context.Context, personID string) (*domain.EmailAddress, error) {
	return s.firstWithStatus(ctx, personID, domain.EmailAddressStatusEnabled)
}

// FindRequestedByPerson returns the REQUESTED address with the lowest priority.
func (s *Store) FindRequestedByPerson(ctx context.Context, personID string) (*domain.EmailAddress, error) {
	return s.firstWithStatus(ctx, personID, domain.EmailAddressStatusRequested)
}

// ShiftPriorities increments every priority of the person.
func (s *Store) ShiftPriorities(ctx context.Context, personID string) error {
	return s.db.WithContext(ctx).Model(&domain.EmailAddress{}).
		Where("person_id = ?", personID).
		Updates(map[string]any{
			"priority":   gorm.Expr("priority + 1"),
			"updated_at": time.Now().UTC(),
		}).Error
}

// DeactivateEmailAddress disables address and sets its purge marker.
func (s *Store) DeactivateEmailAddress(ctx context.Context, address string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.EmailAddress
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("address = ?", strings.ToLower(address)).
			First(&a).Error
		if err != nil {
			return notFound(err, domain.ErrEmailAddressNotFound)
		}
		if a.Status == domain.EmailAddressStatusDisabled {
			return nil
		}
		return tx.Model(&a).Updates(map[string]any{
			"status":          domain.EmailAddressStatusDisabled,
			"marked_for_cron": now.UTC(),
		}).Error
	})
}

// FindMarkedForPurge returns addresses whose purge marker lies before the cutoff.
func (s *Store) FindMarkedForPurge(ctx context.Context, before time.Time) ([]*domain.EmailAddress, error) {
	var out []*domain.EmailAddress
	err := s.db.WithContext(ctx).
		Where("marked_for_cron IS NOT NULL AND marked_for_cron < ?", before.UTC()).
		Where("status IN ?", []domain.EmailAddressStatus{domain.EmailAddressStatusDisabled, domain.EmailAddressStatusFailed}).
		Order("marked_for_cron ASC").
		Find(&out).Error
	return out, err
}

// FindFailedPrimary returns FAILED priority 0 addresses not touched since the cutoff.
func (s *Store) FindFailedPrimary(ctx context.Context, before time.Time) ([]*domain.EmailAddress, error) {
	var out []*domain.EmailAddress
	err := s.db.WithContext(ctx).
		Where("priority = 0 AND status = ? AND updated_at < ?", domain.EmailAddressStatusFailed, before.UTC()).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}

// FindPendingBefore returns PENDING addresses not touched since the cutoff.
func (s *Store) FindPendingBefore(ctx context.Context, before time.Time) ([]*domain.EmailAddress, error) {
	var out []*domain.EmailAddress
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.EmailAddressStatusPending, before.UTC()).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}

// DeleteEmailAddress removes a record.
func (s *Store) DeleteEmailAddress(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.EmailAddress{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrEmailAddressNotFound
	}
	return nil
}

// CountEmailAddressesByStatus counts the stored addresses per status.
func (s *Store) CountEmailAddressesByStatus(ctx context.Context) (map[domain.EmailAddressStatus]int, error) {
	var rows []struct {
		Status domain.EmailAddressStatus
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&domain.EmailAddress{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.EmailAddressStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ========== EmailDomainRepository ==========

// SaveEmailDomain upserts d keyed by its service provider.
func (s *Store) SaveEmailDomain(ctx context.Context, d *domain.EmailDomain) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"domain"}),
	}).Create(d).Error
}

// FindEmailDomainByServiceProvider resolves the domain of a service provider.
func (s *Store) FindEmailDomainByServiceProvider(ctx context.Context, serviceProviderID string) (*domain.EmailDomain, error) {
	var d domain.EmailDomain
	if err := s.db.WithContext(ctx).Where("service_provider_id = ?", serviceProviderID).First(&d).Error; err != nil {
		return nil, notFound(err, domain.ErrEmailDomainNotFound)
	}
	return &d, nil
}

// FindEmailDomainByDomain looks a domain up by name.
func (s *Store) FindEmailDomainByDomain(ctx context.Context, name string) (*domain.EmailDomain, error) {
	var d domain.EmailDomain
	if err := s.db.WithContext(ctx).Where("domain = ?", strings.ToLower(name)).First(&d).Error; err != nil {
		return nil, notFound(err, domain.ErrEmailDomainNotFound)
	}
	return &d, nil
}

// ListEmailDomains returns all domains ordered by name.
func (s *Store) ListEmailDomains(ctx context.Context) ([]*domain.EmailDomain, error) {
	var out []*domain.EmailDomain
	err := s.db.WithContext(ctx).Order("domain ASC").Find(&out).Error
	return out, err
}

// ========== read models ==========

// SavePerson upserts a person.
func (s *Store) SavePerson(ctx context.Context, p *domain.Person) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// FindPersonByID returns a person.
func (s *Store) FindPersonByID(ctx context.Context, id string) (*domain.Person, error) {
	var p domain.Person
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, domain.ErrPersonNotFound)
	}
	return &p, nil
}

// SavePersonenkontext upserts a kontext.
func (s *Store) SavePersonenkontext(ctx context.Context, k *domain.Personenkontext) error {
	return s.db.WithContext(ctx).Save(k).Error
}

// DeletePersonenkontext removes a kontext.
func (s *Store) DeletePersonenkontext(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Personenkontext{}).Error
}

// FindKontexteByPerson lists the kontexte of a person.
func (s *Store) FindKontexteByPerson(ctx context.Context, personID string) ([]*domain.Personenkontext, error) {
	var out []*domain.Personenkontext
	err := s.db.WithContext(ctx).Where("person_id = ?", personID).Order("id ASC").Find(&out).Error
	return out, err
}

// FindPersonIDsByRolle lists the persons holding a kontext with rolleID.
func (s *Store) FindPersonIDsByRolle(ctx context.Context, rolleID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&domain.Personenkontext{}).
		Where("rolle_id = ?", rolleID).
		Distinct().
		Order("person_id ASC").
		Pluck("person_id", &ids).Error
	return ids, err
}

// SaveRolle upserts a Rolle.
func (s *Store) SaveRolle(ctx context.Context, r *domain.Rolle) error {
	return s.db.WithContext(ctx).Save(r).Error
}

// FindRollenByIDs returns the Rollen among ids that exist.
func (s *Store) FindRollenByIDs(ctx context.Context, ids []string) ([]*domain.Rolle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*domain.Rolle
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error
	return out, err
}

// SaveServiceProvider upserts a service provider.
func (s *Store) SaveServiceProvider(ctx context.Context, sp *domain.ServiceProvider) error {
	return s.db.WithContext(ctx).Save(sp).Error
}

// FindServiceProvidersByIDs returns the service providers among ids that exist.
func (s *Store) FindServiceProvidersByIDs(ctx context.Context, ids []string) ([]*domain.ServiceProvider, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*domain.ServiceProvider
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error
	return out, err
}

// SaveOrganisation upserts an organisation.
func (s *Store) SaveOrganisation(ctx context.Context, o *domain.Organisation) error {
	return s.db.WithContext(ctx).Save(o).Error
}

// FindOrganisationByID returns an organisation.
func (s *Store) FindOrganisationByID(ctx context.Context, id string) (*domain.Organisation, error) {
	var o domain.Organisation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err, domain.ErrOrganisationNotFound)
	}
	return &o, nil
}
