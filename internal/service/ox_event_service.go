package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"spsh/backend/internal/ox"
)

// OxUser is the account state pushed to OX.
type OxUser struct {
	Username     string
	FirstName    string
	LastName     string
	PrimaryEmail string
	Aliases      []string
}

// OxEventService wraps the OX client with idempotent primitives.
// Responses meaning "already done" are logged at info level and not returned.
type OxEventService struct {
	ox                 OxClient
	teacherGroupPrefix string
	logger             *zap.Logger
}

// NewOxEventService creates the service.
func NewOxEventService(oxClient OxClient, teacherGroupPrefix string, logger *zap.Logger) *OxEventService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if teacherGroupPrefix == "" {
		teacherGroupPrefix = "lehrer-"
	}
	return &OxEventService{
		ox:                 oxClient,
		teacherGroupPrefix: teacherGroupPrefix,
		logger:             logger.Named("ox-event-service"),
	}
}

// ContextID returns the OX context users are provisioned into.
func (s *OxEventService) ContextID() string { return s.ox.ContextID() }

// ContextName returns the OX context name.
func (s *OxEventService) ContextName() string { return s.ox.ContextName() }

// TeacherGroupName returns the teacher group of an organisation.
func (s *OxEventService) TeacherGroupName(kennung string) string {
	return s.teacherGroupPrefix + kennung
}

// CreateOrUpdateUser creates the OX account or, if the username is taken, changes it
// to the given primary mail. created reports whether a new account was made.
func (s *OxEventService) CreateOrUpdateUser(ctx context.Context, u OxUser) (data *ox.UserData, created bool, err error) {
	exists, err := s.ox.ExistsUser(ctx, u.Username)
	if err != nil {
		return nil, false, err
	}

	if !exists {
		data, err = s.ox.CreateUser(ctx, ox.CreateUserParams{
			Username:     u.Username,
			DisplayName:  strings.TrimSpace(u.FirstName + " " + u.LastName),
			FirstName:    u.FirstName,
			LastName:     u.LastName,
			PrimaryEmail: u.PrimaryEmail,
		})
		switch {
		case err == nil:
			if err := s.ox.ChangeByModuleAccess(ctx, data.ID, ox.DefaultModuleAccess()); err != nil {
				s.logger.Warn("could not set module access", zap.String("oxUserId", data.ID), zap.Error(err))
			}
			if len(u.Aliases) > 0 {
				if err := s.changeUser(ctx, data, u); err != nil {
					return data, true, err
				}
			}
			s.logger.Info("ox user created", zap.String("username", u.Username), zap.String("oxUserId", data.ID))
			return data, true, nil
		case errors.Is(err, ox.ErrUsernameAlreadyExists):
			s.logger.Info("ox user already exists, changing instead", zap.String("username", u.Username))
		default:
			return nil, false, err
		}
	}

	data, err = s.ox.GetDataForUserByName(ctx, u.Username)
	if err != nil {
		return nil, false, err
	}
	if err := s.changeUser(ctx, data, u); err != nil {
		return data, false, err
	}
	s.logger.Info("ox user changed", zap.String("username", u.Username), zap.String("oxUserId", data.ID))
	return data, false, nil
}

func (s *OxEventService) changeUser(ctx context.Context, data *ox.UserData, u OxUser) error {
	aliases := mergeAliases(data.Aliases, u.PrimaryEmail)
	aliases = mergeAliases(aliases, u.Aliases...)
	err := s.ox.ChangeUser(ctx, ox.ChangeUserParams{
		ID:           data.ID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		PrimaryEmail: u.PrimaryEmail,
		Aliases:      aliases,
	})
	if err != nil {
		return err
	}
	data.PrimaryEmail = u.PrimaryEmail
	data.Email1 = u.PrimaryEmail
	data.Aliases = aliases
	return nil
}

// ChangePrimaryMail makes newPrimary the primary mail and keeps oldPrimary as alias.
func (s *OxEventService) ChangePrimaryMail(ctx context.Context, userID, newPrimary, oldPrimary string) error {
	data, err := s.ox.GetDataForUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.changeUser(ctx, data, OxUser{
		Username:     data.Username,
		FirstName:    data.FirstName,
		LastName:     data.LastName,
		PrimaryEmail: newPrimary,
		Aliases:      []string{oldPrimary},
	})
}

// RemoveAlias drops one alias and keeps the others.
func (s *OxEventService) RemoveAlias(ctx context.Context, userID, alias string) error {
	data, err := s.ox.GetDataForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ox.ErrNoSuchUser) {
			s.logger.Info("ox user already gone, alias removal skipped", zap.String("oxUserId", userID))
			return nil
		}
		return err
	}

	kept := make([]string, 0, len(data.Aliases))
	for _, a := range data.Aliases {
		if !strings.EqualFold(a, alias) {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(data.Aliases) {
		s.logger.Info("alias not present", zap.String("oxUserId", userID), zap.String("alias", alias))
		return nil
	}
	if strings.EqualFold(data.PrimaryEmail, alias) {
		s.logger.Warn("refusing to remove primary mail from aliases", zap.String("oxUserId", userID), zap.String("alias", alias))
		return nil
	}

	return s.ox.ChangeUser(ctx, ox.ChangeUserParams{
		ID:           data.ID,
		Username:     data.Username,
		FirstName:    data.FirstName,
		LastName:     data.LastName,
		PrimaryEmail: data.PrimaryEmail,
		Aliases:      kept,
	})
}

func (s *OxEventService) findGroup(ctx context.Context, name string) (*ox.Group, error) {
	groups, err := s.ox.ListGroups(ctx, name)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i], nil
		}
	}
	return nil, nil
}

// AddUserToGroup adds the user to the named group, creating the group if needed.
func (s *OxEventService) AddUserToGroup(ctx context.Context, userID, groupName string) error {
	group, err := s.findGroup(ctx, groupName)
	if err != nil {
		return err
	}
	if group == nil {
		group, err = s.ox.CreateGroup(ctx, groupName, groupName)
		if err != nil {
			// lost a race against another creator
			existing, lookupErr := s.findGroup(ctx, groupName)
			if lookupErr != nil || existing == nil {
				return err
			}
			return s.addMember(ctx, existing, userID)
		}
		s.logger.Info("ox group created", zap.String("group", groupName), zap.String("groupId", group.ID))
	}
	return s.addMember(ctx, group, userID)
}

func (s *OxEventService) addMember(ctx context.Context, group *ox.Group, userID string) error {
	err := s.ox.AddMemberToGroup(ctx, group.ID, userID)
	if errors.Is(err, ox.ErrMemberAlreadyInGroup) {
		s.logger.Info("user already member of group", zap.String("group", group.Name), zap.String("oxUserId", userID))
		return nil
	}
	return err
}

// AddUserToTeacherGroup adds the user to the teacher group of the organisation.
func (s *OxEventService) AddUserToTeacherGroup(ctx context.Context, userID, kennung string) error {
	return s.AddUserToGroup(ctx, userID, s.TeacherGroupName(kennung))
}

// RemoveUserFromGroup removes the user from the named group. A missing group or member is not an error.
func (s *OxEventService) RemoveUserFromGroup(ctx context.Context, userID, groupName string) error {
	group, err := s.findGroup(ctx, groupName)
	if err != nil {
		return err
	}
	if group == nil {
		s.logger.Info("group does not exist, nothing to remove", zap.String("group", groupName))
		return nil
	}
	return s.removeMember(ctx, group, userID)
}

func (s *OxEventService) removeMember(ctx context.Context, group *ox.Group, userID string) error {
	err := s.ox.RemoveMemberFromGroup(ctx, group.ID, userID)
	if errors.Is(err, ox.ErrNoSuchGroup) || errors.Is(err, ox.ErrNoSuchUser) {
		s.logger.Info("membership already gone", zap.String("group", group.Name), zap.String("oxUserId", userID))
		return nil
	}
	return err
}

// RemoveUserFromAllGroups removes the user from every group it belongs to.
func (s *OxEventService) RemoveUserFromAllGroups(ctx context.Context, userID string) error {
	groups, err := s.ox.ListGroupsForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ox.ErrNoSuchUser) {
			s.logger.Info("ox user does not exist, no groups to leave", zap.String("oxUserId", userID))
			return nil
		}
		return err
	}

	var errs []error
	for i := range groups {
		if err := s.removeMember(ctx, &groups[i], userID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteUser deletes the account. A missing user is not an error.
func (s *OxEventService) DeleteUser(ctx context.Context, userID string) error {
	err := s.ox.DeleteUser(ctx, userID)
	if errors.Is(err, ox.ErrNoSuchUser) {
		s.logger.Info("ox user already deleted", zap.String("oxUserId", userID))
		return nil
	}
	return err
}
