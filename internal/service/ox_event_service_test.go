package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spsh/backend/internal/ox"
)

func TestOxEventService_AddUserToGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("Existing group", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ListGroups", mock.Anything, "lehrer-1234567").Return([]ox.Group{{ID: "g-1", Name: "lehrer-1234567"}}, nil)
		client.On("AddMemberToGroup", mock.Anything, "g-1", "ox-1").Return(nil)

		svc := NewOxEventService(client, "", nil)
		require.NoError(t, svc.AddUserToTeacherGroup(ctx, "ox-1", "1234567"))
		client.AssertNotCalled(t, "CreateGroup", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Group is created lazily", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ListGroups", mock.Anything, "lehrer-1234567").Return([]ox.Group{{ID: "g-9", Name: "lehrer-12345678"}}, nil)
		client.On("CreateGroup", mock.Anything, "lehrer-1234567", "lehrer-1234567").Return(&ox.Group{ID: "g-2", Name: "lehrer-1234567"}, nil)
		client.On("AddMemberToGroup", mock.Anything, "g-2", "ox-1").Return(nil)

		svc := NewOxEventService(client, "lehrer-", nil)
		require.NoError(t, svc.AddUserToTeacherGroup(ctx, "ox-1", "1234567"))
		client.AssertExpectations(t)
	})

	t.Run("Adding twice is not an error", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ListGroups", mock.Anything, "lehrer-1234567").Return([]ox.Group{{ID: "g-1", Name: "lehrer-1234567"}}, nil)
		client.On("AddMemberToGroup", mock.Anything, "g-1", "ox-1").Return(nil).Once()
		client.On("AddMemberToGroup", mock.Anything, "g-1", "ox-1").
			Return(&ox.Error{Action: "addMember", Message: "already member", Kind: ox.ErrMemberAlreadyInGroup}).Once()

		svc := NewOxEventService(client, "lehrer-", nil)
		require.NoError(t, svc.AddUserToTeacherGroup(ctx, "ox-1", "1234567"))
		require.NoError(t, svc.AddUserToTeacherGroup(ctx, "ox-1", "1234567"))
	})

	t.Run("Transport failure is returned", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ListGroups", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		svc := NewOxEventService(client, "lehrer-", nil)
		assert.Error(t, svc.AddUserToTeacherGroup(ctx, "ox-1", "1234567"))
	})
}

func TestOxEventService_CreateOrUpdateUser(t *testing.T) {
	ctx := context.Background()
	user := OxUser{Username: "pmueller", FirstName: "Paul", LastName: "Müller", PrimaryEmail: "paul.mueller@schule-sh.de"}

	t.Run("Creates missing user", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ExistsUser", mock.Anything, "pmueller").Return(false, nil)
		client.On("CreateUser", mock.Anything, mock.MatchedBy(func(p ox.CreateUserParams) bool {
			return p.DisplayName == "Paul Müller" && p.PrimaryEmail == user.PrimaryEmail
		})).Return(&ox.UserData{ID: "ox-1", Username: "pmueller"}, nil)
		client.On("ChangeByModuleAccess", mock.Anything, "ox-1", ox.DefaultModuleAccess()).Return(nil)

		data, created, err := NewOxEventService(client, "", nil).CreateOrUpdateUser(ctx, user)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "ox-1", data.ID)
	})

	t.Run("Changes existing user", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ExistsUser", mock.Anything, "pmueller").Return(true, nil)
		client.On("GetDataForUserByName", mock.Anything, "pmueller").
			Return(&ox.UserData{ID: "ox-1", Username: "pmueller", PrimaryEmail: "old@schule-sh.de", Aliases: []string{"old@schule-sh.de"}}, nil)
		client.On("ChangeUser", mock.Anything, mock.MatchedBy(func(p ox.ChangeUserParams) bool {
			return p.ID == "ox-1" && p.PrimaryEmail == user.PrimaryEmail &&
				assert.ObjectsAreEqual([]string{"old@schule-sh.de", user.PrimaryEmail}, p.Aliases)
		})).Return(nil)

		data, created, err := NewOxEventService(client, "", nil).CreateOrUpdateUser(ctx, user)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, user.PrimaryEmail, data.PrimaryEmail)
	})

	t.Run("Username race falls back to change", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ExistsUser", mock.Anything, "pmueller").Return(false, nil)
		client.On("CreateUser", mock.Anything, mock.Anything).Return(nil, &ox.Error{Kind: ox.ErrUsernameAlreadyExists})
		client.On("GetDataForUserByName", mock.Anything, "pmueller").Return(&ox.UserData{ID: "ox-1"}, nil)
		client.On("ChangeUser", mock.Anything, mock.Anything).Return(nil)

		_, created, err := NewOxEventService(client, "", nil).CreateOrUpdateUser(ctx, user)
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestOxEventService_RemoveAlias(t *testing.T) {
	ctx := context.Background()

	t.Run("Keeps other aliases", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("GetDataForUser", mock.Anything, "ox-1").Return(&ox.UserData{
			ID:           "ox-1",
			Username:     "pmueller",
			PrimaryEmail: "paul.schulz@schule-sh.de",
			Aliases:      []string{"paul.schulz@schule-sh.de", "paul.mueller@schule-sh.de", "p.mueller@schule-sh.de"},
		}, nil)
		client.On("ChangeUser", mock.Anything, mock.MatchedBy(func(p ox.ChangeUserParams) bool {
			return p.PrimaryEmail == "paul.schulz@schule-sh.de" &&
				assert.ObjectsAreEqual([]string{"paul.schulz@schule-sh.de", "p.mueller@schule-sh.de"}, p.Aliases)
		})).Return(nil)

		require.NoError(t, NewOxEventService(client, "", nil).RemoveAlias(ctx, "ox-1", "paul.mueller@schule-sh.de"))
		client.AssertExpectations(t)
	})

	t.Run("Missing alias is a no-op", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("GetDataForUser", mock.Anything, "ox-1").Return(&ox.UserData{ID: "ox-1", Aliases: []string{"a@schule-sh.de"}}, nil)

		require.NoError(t, NewOxEventService(client, "", nil).RemoveAlias(ctx, "ox-1", "b@schule-sh.de"))
		client.AssertNotCalled(t, "ChangeUser", mock.Anything, mock.Anything)
	})

	t.Run("Missing user is a no-op", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("GetDataForUser", mock.Anything, "ox-1").Return(nil, &ox.Error{Kind: ox.ErrNoSuchUser})

		require.NoError(t, NewOxEventService(client, "", nil).RemoveAlias(ctx, "ox-1", "b@schule-sh.de"))
	})
}

func TestOxEventService_RemoveAndDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("Remove from all groups collects errors", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ListGroupsForUser", mock.Anything, "ox-1").Return([]ox.Group{{ID: "g-1"}, {ID: "g-2"}, {ID: "g-3"}}, nil)
		client.On("RemoveMemberFromGroup", mock.Anything, "g-1", "ox-1").Return(nil)
		client.On("RemoveMemberFromGroup", mock.Anything, "g-2", "ox-1").Return(&ox.Error{Kind: ox.ErrNoSuchGroup})
		client.On("RemoveMemberFromGroup", mock.Anything, "g-3", "ox-1").Return(errors.New("timeout"))

		err := NewOxEventService(client, "", nil).RemoveUserFromAllGroups(ctx, "ox-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
		client.AssertNumberOfCalls(t, "RemoveMemberFromGroup", 3)
	})

	t.Run("Remove from missing group", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("ListGroups", mock.Anything, "lehrer-1").Return(nil, nil)

		require.NoError(t, NewOxEventService(client, "", nil).RemoveUserFromGroup(ctx, "ox-1", "lehrer-1"))
	})

	t.Run("Deleting a missing user", func(t *testing.T) {
		client := new(MockOxClient)
		client.On("DeleteUser", mock.Anything, "ox-1").Return(&ox.Error{Kind: ox.ErrNoSuchUser})

		require.NoError(t, NewOxEventService(client, "", nil).DeleteUser(ctx, "ox-1"))
	})
}
