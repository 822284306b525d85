package ox

import (
	"context"
	"encoding/xml"
)

// Group is an OX group.
type Group struct {
	ID          string   `xml:"id"`
	Name        string   `xml:"name"`
	DisplayName string   `xml:"displayname"`
	Members     []string `xml:"members"`
}

type groupRef struct {
	ID          string `xml:"xsd:id,omitempty"`
	Name        string `xml:"xsd:name,omitempty"`
	DisplayName string `xml:"xsd:displayname,omitempty"`
}

type listGroupsRequest struct {
	XMLName xml.Name    `xml:"soap:list"`
	Ctx     contextRef  `xml:"soap:ctx"`
	Pattern string      `xml:"soap:pattern"`
	Auth    credentials `xml:"soap:auth"`
}

type listGroupsForUserRequest struct {
	XMLName xml.Name    `xml:"soap:listGroupsForUser"`
	Ctx     contextRef  `xml:"soap:ctx"`
	User    userRef     `xml:"soap:usr"`
	Auth    credentials `xml:"soap:auth"`
}

type groupsResponse struct {
	Return []Group `xml:"return"`
}

type createGroupRequest struct {
	XMLName xml.Name    `xml:"soap:create"`
	Ctx     contextRef  `xml:"soap:ctx"`
	Group   groupRef    `xml:"soap:grp"`
	Auth    credentials `xml:"soap:auth"`
}

type groupResponse struct {
	Return Group `xml:"return"`
}

type memberRequest struct {
	XMLName xml.Name
	Ctx     contextRef  `xml:"soap:ctx"`
	Group   groupRef    `xml:"soap:grp"`
	Members []userRef   `xml:"soap:members"`
	Auth    credentials `xml:"soap:auth"`
}

// ListGroups returns the groups whose name matches pattern ("*" for all).
func (c *Client) ListGroups(ctx context.Context, pattern string) ([]Group, error) {
	var resp groupsResponse
	err := c.send(ctx, groupService, "list", listGroupsRequest{
		Ctx:     c.ctxRef(),
		Pattern: pattern,
		Auth:    c.auth(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Return, nil
}

// ListGroupsForUser returns the groups userID is a member of.
func (c *Client) ListGroupsForUser(ctx context.Context, userID string) ([]Group, error) {
	var resp groupsResponse
	err := c.send(ctx, groupService, "listGroupsForUser", listGroupsForUserRequest{
		Ctx:  c.ctxRef(),
		User: userRef{ID: userID},
		Auth: c.auth(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Return, nil
}

// CreateGroup creates a group and returns it with its OX id.
func (c *Client) CreateGroup(ctx context.Context, name, displayName string) (*Group, error) {
	var resp groupResponse
	err := c.send(ctx, groupService, "create", createGroupRequest{
		Ctx:   c.ctxRef(),
		Group: groupRef{Name: name, DisplayName: displayName},
		Auth:  c.auth(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Return, nil
}

// AddMemberToGroup adds userID to groupID.
func (c *Client) AddMemberToGroup(ctx context.Context, groupID, userID string) error {
	return c.send(ctx, groupService, "addMember", c.memberRequest("soap:addMember", groupID, userID), nil)
}

// RemoveMemberFromGroup removes userID from groupID.
func (c *Client) RemoveMemberFromGroup(ctx context.Context, groupID, userID string) error {
	return c.send(ctx, groupService, "removeMember", c.memberRequest("soap:removeMember", groupID, userID), nil)
}

func (c *Client) memberRequest(element, groupID, userID string) memberRequest {
	return memberRequest{
		XMLName: xml.Name{Local: element},
		Ctx:     c.ctxRef(),
		Group:   groupRef{ID: groupID},
		Members: []userRef{{ID: userID}},
		Auth:    c.auth(),
	}
}
