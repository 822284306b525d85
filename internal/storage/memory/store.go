package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/storage"
)

// Store keeps everything in maps. Used for development and as test fake.
type Store struct {
	mu        sync.RWMutex
	addresses map[string]*domain.EmailAddress // id -> address
	byAddress map[string]string               // address -> id
	domains   map[string]*domain.EmailDomain  // serviceProviderID -> domain
	persons   map[string]*domain.Person
	kontexte  map[string]*domain.Personenkontext
	rollen    map[string]*domain.Rolle
	providers map[string]*domain.ServiceProvider
	orgs      map[string]*domain.Organisation

	locksMu sync.Mutex
	locks   map[string]time.Time // personID -> expiry

	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		addresses: make(map[string]*domain.EmailAddress),
		byAddress: make(map[string]string),
		domains:   make(map[string]*domain.EmailDomain),
		persons:   make(map[string]*domain.Person),
		kontexte:  make(map[string]*domain.Personenkontext),
		rollen:    make(map[string]*domain.Rolle),
		providers: make(map[string]*domain.ServiceProvider),
		orgs:      make(map[string]*domain.Organisation),
		locks:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for UpdatedAt and lock expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.locksMu.Lock()
	s.now = now
	s.locksMu.Unlock()
	s.mu.Unlock()
}

func cloneAddress(a *domain.EmailAddress) *domain.EmailAddress {
	c := *a
	if a.OxUserID != nil {
		id := *a.OxUserID
		c.OxUserID = &id
	}
	if a.MarkedForCron != nil {
		m := *a.MarkedForCron
		c.MarkedForCron = &m
	}
	return &c
}

// ========== EmailAddressRepository ==========

// SaveEmailAddress inserts or updates an address.
func (s *Store) SaveEmailAddress(_ context.Context, address *domain.EmailAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(address.Address)
	if id, ok := s.byAddress[key]; ok && id != address.ID {
		return storage.ErrEmailAddressExists
	}
	if old, ok := s.addresses[address.ID]; ok && old.Address != key {
		delete(s.byAddress, old.Address)
	}

	address.Address = key
	address.UpdatedAt = s.now().UTC()
	if address.CreatedAt.IsZero() {
		address.CreatedAt = address.UpdatedAt
	}
	s.addresses[address.ID] = cloneAddress(address)
	s.byAddress[key] = address.ID
	return nil
}

// FindByID returns the address with id.
func (s *Store) FindByID(_ context.Context, id string) (*domain.EmailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addresses[id]
	if !ok {
		return nil, domain.ErrEmailAddressNotFound
	}
	return cloneAddress(a), nil
}

// FindByAddress returns the record holding address.
func (s *Store) FindByAddress(_ context.Context, address string) (*domain.EmailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, domain.ErrEmailAddressNotFound
	}
	return cloneAddress(s.addresses[id]), nil
}

// ExistsEmailAddress reports whether any record holds address.
func (s *Store) ExistsEmailAddress(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byAddress[strings.ToLower(address)]
	return ok, nil
}

func (s *Store) byPersonLocked(personID string, keep func(*domain.EmailAddress) bool) []*domain.EmailAddress {
	var out []*domain.EmailAddress
	for _, a := range s.addresses {
		if a.PersonID == personID && (keep == nil || keep(a)) {
			out = append(out, cloneAddress(a))
		}
	}
	return out
}

// FindByPersonSortedByUpdatedAtDesc lists the addresses of a person, newest first.
func (s *Store) FindByPersonSortedByUpdatedAtDesc(_ context.Context, personID string, status domain.EmailAddressStatus) ([]*domain.EmailAddress, error) {
	s.mu.RLock()
	out := s.byPersonLocked(personID, func(a *domain.EmailAddress) bool {
		return status == "" || a.Status == status
	})
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindByPersonSortedByPriorityAsc lists the addresses of a person, primary first.
func (s *Store) FindByPersonSortedByPriorityAsc(_ context.Context, personID string) ([]*domain.EmailAddress, error) {
	s.mu.RLock()
	out := s.byPersonLocked(personID, nil)
	s.mu.RUnlock()

	sortByPriority(out)
	return out, nil
}

func sortByPriority(out []*domain.EmailAddress) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func (s *Store) firstWithStatus(personID string, status domain.EmailAddressStatus) *domain.EmailAddress {
	s.mu.RLock()
	out := s.byPersonLocked(personID, func(a *domain.EmailAddress) bool { return a.Status == status })
	s.mu.RUnlock()

	if len(out) == 0 {
		return nil
	}
	sortByPriority(out)
	return out[0]
}

// FindEnabledByPerson returns the ENABLED address with the lowest priority.
func (s *Store) FindEnabledByPerson(_ context.Context, personID string) (*domain.EmailAddress, error) {
	return s.firstWithStatus(personID, domain.EmailAddressStatusEnabled), nil
}

// FindRequestedByPerson returns the REQUESTED address with the lowest priority.
func (s *Store) FindRequestedByPerson(_ context.Context, personID string) (*domain.EmailAddress, error) {
	return s.firstWithStatus(personID, domain.EmailAddressStatusRequested), nil
}

// ShiftPriorities increments every priority of the person.
func (s *Store) ShiftPriorities(_ context.Context, personID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, a := range s.addresses {
		if a.PersonID == personID {
			a.Priority++
			a.UpdatedAt = now
		}
	}
	return nil
}

// DeactivateEmailAddress disables address and sets its purge marker.
func (s *Store) DeactivateEmailAddress(_ context.Context, address string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return domain.ErrEmailAddressNotFound
	}
	a := s.addresses[id]
	if a.Status != domain.EmailAddressStatusDisabled {
		a.Status = domain.EmailAddressStatusDisabled
		marked := now.UTC()
		a.MarkedForCron = &marked
		a.UpdatedAt = s.now().UTC()
	}
	return nil
}

// FindMarkedForPurge returns addresses whose purge marker lies before the cutoff.
func (s *Store) FindMarkedForPurge(_ context.Context, before time.Time) ([]*domain.EmailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EmailAddress
	for _, a := range s.addresses {
		if a.MarkedForCron == nil || !a.MarkedForCron.Before(before) {
			continue
		}
		if a.Status == domain.EmailAddressStatusDisabled || a.Status == domain.EmailAddressStatusFailed {
			out = append(out, cloneAddress(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedForCron.Before(*out[j].MarkedForCron) })
	return out, nil
}

// FindFailedPrimary returns FAILED priority 0 addresses not touched since the cutoff.
func (s *Store) FindFailedPrimary(_ context.Context, before time.Time) ([]*domain.EmailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EmailAddress
	for _, a := range s.addresses {
		if a.Priority == 0 && a.Status == domain.EmailAddressStatusFailed && a.UpdatedAt.Before(before) {
			out = append(out, cloneAddress(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// FindPendingBefore returns PENDING addresses not touched since the cutoff.
func (s *Store) FindPendingBefore(_ context.Context, before time.Time) ([]*domain.EmailAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.EmailAddress
	for _, a := range s.addresses {
		if a.Status == domain.EmailAddressStatusPending && a.UpdatedAt.Before(before) {
			out = append(out, cloneAddress(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// DeleteEmailAddress removes a record.
func (s *Store) DeleteEmailAddress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[id]
	if !ok {
		return domain.ErrEmailAddressNotFound
	}
	delete(s.byAddress, a.Address)
	delete(s.addresses, id)
	return nil
}

// CountEmailAddressesByStatus counts the stored addresses per status.
func (s *Store) CountEmailAddressesByStatus(_ context.Context) (map[domain.EmailAddressStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.EmailAddressStatus]int)
	for _, a := range s.addresses {
		counts[a.Status]++
	}
	return counts, nil
}

// ========== EmailDomainRepository ==========

// SaveEmailDomain stores d keyed by its service provider.
func (s *Store) SaveEmailDomain(_ context.Context, d *domain.EmailDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	s.domains[d.ServiceProviderID] = &c
	return nil
}

// FindEmailDomainByServiceProvider resolves the domain of a service provider.
func (s *Store) FindEmailDomainByServiceProvider(_ context.Context, serviceProviderID string) (*domain.EmailDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[serviceProviderID]
	if !ok {
		return nil, domain.ErrEmailDomainNotFound
	}
	c := *d
	return &c, nil
}

// FindEmailDomainByDomain looks a domain up by name.
func (s *Store) FindEmailDomainByDomain(_ context.Context, name string) (*domain.EmailDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.domains {
		if strings.EqualFold(d.Domain, name) {
			c := *d
			return &c, nil
		}
	}
	return nil, domain.ErrEmailDomainNotFound
}

// ListEmailDomains returns all domains ordered by name.
func (s *Store) ListEmailDomains(_ context.Context) ([]*domain.EmailDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.EmailDomain, 0, len(s.domains))
	for _, d := range s.domains {
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// ========== read models ==========

// SavePerson stores a person.
func (s *Store) SavePerson(_ context.Context, p *domain.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.persons[p.ID] = &c
	return nil
}

// FindPersonByID returns a person.
func (s *Store) FindPersonByID(_ context.Context, id string) (*domain.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return nil, domain.ErrPersonNotFound
	}
	c := *p
	return &c, nil
}

// SavePersonenkontext stores a kontext.
func (s *Store) SavePersonenkontext(_ context.Context, k *domain.Personenkontext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *k
	s.kontexte[k.ID] = &c
	return nil
}

// DeletePersonenkontext removes a kontext.
func (s *Store) DeletePersonenkontext(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kontexte, id)
	return nil
}

// FindKontexteByPerson lists the kontexte of a person.
func (s *Store) FindKontexteByPerson(_ context.Context, personID string) ([]*domain.Personenkontext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Personenkontext
	for _, k := range s.kontexte {
		if k.PersonID == personID {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindPersonIDsByRolle lists the persons holding a kontext with rolleID.
func (s *Store) FindPersonIDsByRolle(_ context.Context, rolleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, k := range s.kontexte {
		if k.RolleID != rolleID {
			continue
		}
		if _, ok := seen[k.PersonID]; ok {
			continue
		}
		seen[k.PersonID] = struct{}{}
		out = append(out, k.PersonID)
	}
	sort.Strings(out)
	return out, nil
}

// SaveRolle stores a Rolle.
func (s *Store) SaveRolle(_ context.Context, r *domain.Rolle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	c.ServiceProviderIDs = append([]string(nil), r.ServiceProviderIDs...)
	s.rollen[r.ID] = &c
	return nil
}

// FindRollenByIDs returns the known Rollen among ids.
func (s *Store) FindRollenByIDs(_ context.Context, ids []string) ([]*domain.Rolle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Rolle
	for _, id := range ids {
		if r, ok := s.rollen[id]; ok {
			c := *r
			c.ServiceProviderIDs = append([]string(nil), r.ServiceProviderIDs...)
			out = append(out, &c)
		}
	}
	return out, nil
}

// SaveServiceProvider stores a service provider.
func (s *Store) SaveServiceProvider(_ context.Context, sp *domain.ServiceProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sp
	s.providers[sp.ID] = &c
	return nil
}

// FindServiceProvidersByIDs returns the known providers among ids.
func (s *Store) FindServiceProvidersByIDs(_ context.Context, ids []string) ([]*domain.ServiceProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ServiceProvider
	for _, id := range ids {
		if sp, ok := s.providers[id]; ok {
			c := *sp
			out = append(out, &c)
		}
	}
	return out, nil
}

// SaveOrganisation stores an organisation.
func (s *Store) SaveOrganisation(_ context.Context, o *domain.Organisation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *o
	s.orgs[o.ID] = &c
	return nil
}

// FindOrganisationByID returns an organisation.
func (s *Store) FindOrganisationByID(_ context.Context, id string) (*domain.Organisation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, domain.ErrOrganisationNotFound
	}
	c := *o
	return &c, nil
}

// ========== PersonLocker ==========

// TryLock takes the in-process lock of a person.
func (s *Store) TryLock(_ context.Context, personID string, ttl time.Duration) (func(), error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	now := s.now()
	if exp, ok := s.locks[personID]; ok && now.Before(exp) {
		return nil, storage.ErrLockHeld
	}
	exp := now.Add(ttl)
	s.locks[personID] = exp

	return func() {
		s.locksMu.Lock()
		defer s.locksMu.Unlock()
		if cur, ok := s.locks[personID]; ok && cur.Equal(exp) {
			delete(s.locks, personID)
		}
	}, nil
}

var (
	_ storage.Store        = (*Store)(nil)
	_ storage.PersonLocker = (*Store)(nil)
)
