package ox

import (
	"context"
	"encoding/xml"
	"strings"
)

// UserData is the OX view of an account.
type UserData struct {
	ID           string   `xml:"id"`
	Username     string   `xml:"name"`
	DisplayName  string   `xml:"display_name"`
	FirstName    string   `xml:"given_name"`
	LastName     string   `xml:"sur_name"`
	PrimaryEmail string   `xml:"primaryEmail"`
	Email1       string   `xml:"email1"`
	Aliases      []string `xml:"aliases"`
}

// CreateUserParams describes a new OX account.
type CreateUserParams struct {
	Username     string
	DisplayName  string
	FirstName    string
	LastName     string
	PrimaryEmail string
	Password     string
}

// ChangeUserParams describes a change of an OX account. Aliases replaces the alias list.
type ChangeUserParams struct {
	ID           string
	Username     string
	FirstName    string
	LastName     string
	PrimaryEmail string
	Aliases      []string
}

// ModuleAccess lists the groupware modules enabled for a user.
type ModuleAccess struct {
	Calendar          bool `xml:"xsd:calendar"`
	Contacts          bool `xml:"xsd:contacts"`
	Tasks             bool `xml:"xsd:tasks"`
	Webmail           bool `xml:"xsd:webmail"`
	Infostore         bool `xml:"xsd:infostore"`
	EditPublicFolders bool `xml:"xsd:editPublicFolders"`
}

// DefaultModuleAccess is what every provisioned user gets.
func DefaultModuleAccess() ModuleAccess {
	return ModuleAccess{Calendar: true, Contacts: true, Tasks: true, Webmail: true, Infostore: true}
}

type userRef struct {
	ID   string `xml:"xsd:id,omitempty"`
	Name string `xml:"xsd:name,omitempty"`
}

type userCreateData struct {
	Name                 string `xml:"xsd:name"`
	DisplayName          string `xml:"xsd:display_name"`
	GivenName            string `xml:"xsd:given_name"`
	SurName              string `xml:"xsd:sur_name"`
	PrimaryEmail         string `xml:"xsd:primaryEmail"`
	Email1               string `xml:"xsd:email1"`
	DefaultSenderAddress string `xml:"xsd:defaultSenderAddress"`
	Password             string `xml:"xsd:password,omitempty"`
}

type userChangeData struct {
	ID                   string   `xml:"xsd:id"`
	Name                 string   `xml:"xsd:name,omitempty"`
	GivenName            string   `xml:"xsd:given_name,omitempty"`
	SurName              string   `xml:"xsd:sur_name,omitempty"`
	PrimaryEmail         string   `xml:"xsd:primaryEmail,omitempty"`
	Email1               string   `xml:"xsd:email1,omitempty"`
	DefaultSenderAddress string   `xml:"xsd:defaultSenderAddress,omitempty"`
	Aliases              []string `xml:"xsd:aliases"`
}

type existsRequest struct {
	XMLName xml.Name    `xml:"soap:exists"`
	Ctx     contextRef  `xml:"soap:ctx"`
	User    userRef     `xml:"soap:user"`
	Auth    credentials `xml:"soap:auth"`
}

type existsResponse struct {
	Return bool `xml:"return"`
}

type getDataRequest struct {
	XMLName xml.Name    `xml:"soap:getData"`
	Ctx     contextRef  `xml:"soap:ctx"`
	User    userRef     `xml:"soap:user"`
	Auth    credentials `xml:"soap:auth"`
}

type userResponse struct {
	Return UserData `xml:"return"`
}

type createUserRequest struct {
	XMLName xml.Name       `xml:"soap:create"`
	Ctx     contextRef     `xml:"soap:ctx"`
	User    userCreateData `xml:"soap:usrdata"`
	Auth    credentials    `xml:"soap:auth"`
}

type changeUserRequest struct {
	XMLName xml.Name       `xml:"soap:change"`
	Ctx     contextRef     `xml:"soap:ctx"`
	User    userChangeData `xml:"soap:usrdata"`
	Auth    credentials    `xml:"soap:auth"`
}

type deleteUserRequest struct {
	XMLName xml.Name    `xml:"soap:delete"`
	Ctx     contextRef  `xml:"soap:ctx"`
	User    userRef     `xml:"soap:user"`
	Auth    credentials `xml:"soap:auth"`
}

type changeByModuleAccessRequest struct {
	XMLName xml.Name     `xml:"soap:changeByModuleAccess"`
	Ctx     contextRef   `xml:"soap:ctx"`
	User    userRef      `xml:"soap:user"`
	Access  ModuleAccess `xml:"soap:moduleAccess"`
	Auth    credentials  `xml:"soap:auth"`
}

// ExistsUser reports whether an account with username exists.
func (c *Client) ExistsUser(ctx context.Context, username string) (bool, error) {
	var resp existsResponse
	err := c.send(ctx, userService, "exists", existsRequest{
		Ctx:  c.ctxRef(),
		User: userRef{Name: username},
		Auth: c.auth(),
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Return, nil
}

// GetDataForUser loads an account by id.
func (c *Client) GetDataForUser(ctx context.Context, userID string) (*UserData, error) {
	return c.getData(ctx, userRef{ID: userID})
}

// GetDataForUserByName loads an account by username.
func (c *Client) GetDataForUserByName(ctx context.Context, username string) (*UserData, error) {
	return c.getData(ctx, userRef{Name: username})
}

func (c *Client) getData(ctx context.Context, ref userRef) (*UserData, error) {
	var resp userResponse
	err := c.send(ctx, userService, "getData", getDataRequest{
		Ctx:  c.ctxRef(),
		User: ref,
		Auth: c.auth(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Return, nil
}

// CreateUser creates an account and returns it with its OX id.
func (c *Client) CreateUser(ctx context.Context, p CreateUserParams) (*UserData, error) {
	display := p.DisplayName
	if display == "" {
		display = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}

	var resp userResponse
	err := c.send(ctx, userService, "create", createUserRequest{
		Ctx: c.ctxRef(),
		User: userCreateData{
			Name:                 p.Username,
			DisplayName:          display,
			GivenName:            p.FirstName,
			SurName:              p.LastName,
			PrimaryEmail:         p.PrimaryEmail,
			Email1:               p.PrimaryEmail,
			DefaultSenderAddress: p.PrimaryEmail,
			Password:             p.Password,
		},
		Auth: c.auth(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Return, nil
}

// ChangeUser updates name, primary mail and aliases of an account.
func (c *Client) ChangeUser(ctx context.Context, p ChangeUserParams) error {
	return c.send(ctx, userService, "change", changeUserRequest{
		Ctx: c.ctxRef(),
		User: userChangeData{
			ID:                   p.ID,
			Name:                 p.Username,
			GivenName:            p.FirstName,
			SurName:              p.LastName,
			PrimaryEmail:         p.PrimaryEmail,
			Email1:               p.PrimaryEmail,
			DefaultSenderAddress: p.PrimaryEmail,
			Aliases:              p.Aliases,
		},
		Auth: c.auth(),
	}, nil)
}

// DeleteUser removes an account.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	return c.send(ctx, userService, "delete", deleteUserRequest{
		Ctx:  c.ctxRef(),
		User: userRef{ID: userID},
		Auth: c.auth(),
	}, nil)
}

// ChangeByModuleAccess sets the enabled modules of an account.
func (c *Client) ChangeByModuleAccess(ctx context.Context, userID string, access ModuleAccess) error {
	return c.send(ctx, userService, "changeByModuleAccess", changeByModuleAccessRequest{
		Ctx:    c.ctxRef(),
		User:   userRef{ID: userID},
		Access: access,
		Auth:   c.auth(),
	}, nil)
}
