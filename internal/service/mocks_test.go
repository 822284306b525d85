package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/events"
	"spsh/backend/internal/ldap"
	"spsh/backend/internal/ox"
	"spsh/backend/internal/storage/memory"
)

// MockOxClient mocks the groupware API
type MockOxClient struct {
	mock.Mock
}

func (m *MockOxClient) ContextID() string   { return "10" }
func (m *MockOxClient) ContextName() string { return "spsh" }

func (m *MockOxClient) ExistsUser(ctx context.Context, username string) (bool, error) {
	args := m.Called(ctx, username)
	return args.Bool(0), args.Error(1)
}

func (m *MockOxClient) GetDataForUser(ctx context.Context, userID string) (*ox.UserData, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ox.UserData), args.Error(1)
}

func (m *MockOxClient) GetDataForUserByName(ctx context.Context, username string) (*ox.UserData, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ox.UserData), args.Error(1)
}

func (m *MockOxClient) CreateUser(ctx context.Context, p ox.CreateUserParams) (*ox.UserData, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ox.UserData), args.Error(1)
}

func (m *MockOxClient) ChangeUser(ctx context.Context, p ox.ChangeUserParams) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockOxClient) DeleteUser(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *MockOxClient) ChangeByModuleAccess(ctx context.Context, userID string, access ox.ModuleAccess) error {
	return m.Called(ctx, userID, access).Error(0)
}

func (m *MockOxClient) ListGroups(ctx context.Context, pattern string) ([]ox.Group, error) {
	args := m.Called(ctx, pattern)
	groups, _ := args.Get(0).([]ox.Group)
	return groups, args.Error(1)
}

func (m *MockOxClient) ListGroupsForUser(ctx context.Context, userID string) ([]ox.Group, error) {
	args := m.Called(ctx, userID)
	groups, _ := args.Get(0).([]ox.Group)
	return groups, args.Error(1)
}

func (m *MockOxClient) CreateGroup(ctx context.Context, name, displayName string) (*ox.Group, error) {
	args := m.Called(ctx, name, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ox.Group), args.Error(1)
}

func (m *MockOxClient) AddMemberToGroup(ctx context.Context, groupID, userID string) error {
	return m.Called(ctx, groupID, userID).Error(0)
}

func (m *MockOxClient) RemoveMemberFromGroup(ctx context.Context, groupID, userID string) error {
	return m.Called(ctx, groupID, userID).Error(0)
}

// MockLdapClient mocks the directory API
type MockLdapClient struct {
	mock.Mock
}

func (m *MockLdapClient) IsPersonExisting(ctx context.Context, personID, emailDomain string) (bool, error) {
	args := m.Called(ctx, personID, emailDomain)
	return args.Bool(0), args.Error(1)
}

func (m *MockLdapClient) CreatePerson(ctx context.Context, p ldap.PersonData) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockLdapClient) UpdatePerson(ctx context.Context, personID, emailDomain, primaryMail, aliasMail string) error {
	return m.Called(ctx, personID, emailDomain, primaryMail, aliasMail).Error(0)
}

func (m *MockLdapClient) DeletePerson(ctx context.Context, personID, emailDomain string) error {
	return m.Called(ctx, personID, emailDomain).Error(0)
}

// MockKeycloakClient mocks the identity provider API
type MockKeycloakClient struct {
	mock.Mock
}

func (m *MockKeycloakClient) UpdateOXUserAttributes(ctx context.Context, username, oxUserName, oxContextName string) error {
	return m.Called(ctx, username, oxUserName, oxContextName).Error(0)
}

// recordingPublisher collects published events instead of dispatching them.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) named(name string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// failingStore wraps the memory store and fails selected operations.
type failingStore struct {
	*memory.Store
	failShift bool
	failSave  func(a *domain.EmailAddress) bool
	// honorCtx makes saves fail on a cancelled context like a database driver would
	honorCtx bool
}

var errStoreDown = errors.New("store down")

func (s *failingStore) ShiftPriorities(ctx context.Context, personID string) error {
	if s.failShift {
		return errStoreDown
	}
	return s.Store.ShiftPriorities(ctx, personID)
}

func (s *failingStore) SaveEmailAddress(ctx context.Context, a *domain.EmailAddress) error {
	if s.honorCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	if s.failSave != nil && s.failSave(a) {
		return errStoreDown
	}
	return s.Store.SaveEmailAddress(ctx, a)
}

// countingRecorder counts recorded outcomes.
type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	statuses map[domain.EmailAddressStatus]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		outcomes: make(map[string]int),
		statuses: make(map[domain.EmailAddressStatus]int),
	}
}

func (r *countingRecorder) RecordProvisioning(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) RecordStatusChange(status domain.EmailAddressStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[status]++
}

func (r *countingRecorder) outcome(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[name]
}

var (
	_ OxClient       = (*MockOxClient)(nil)
	_ LdapClient     = (*MockLdapClient)(nil)
	_ KeycloakClient = (*MockKeycloakClient)(nil)
	_ Recorder       = (*countingRecorder)(nil)
)
