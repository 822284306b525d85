package ldap

import (
	"context"
	"errors"
	"strings"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	entries  map[string]string // personID -> dn
	bindErr  error
	added    []*goldap.AddRequest
	modified []*goldap.ModifyRequest
	deleted  []string
	closed   int
}

func (f *fakeConn) Bind(string, string) error { return f.bindErr }

func (f *fakeConn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	for id, dn := range f.entries {
		if strings.Contains(req.Filter, "employeeNumber="+goldap.EscapeFilter(id)+")") {
			return &goldap.SearchResult{Entries: []*goldap.Entry{{DN: dn}}}, nil
		}
	}
	return &goldap.SearchResult{}, nil
}

func (f *fakeConn) Add(req *goldap.AddRequest) error {
	f.added = append(f.added, req)
	return nil
}

func (f *fakeConn) Modify(req *goldap.ModifyRequest) error {
	f.modified = append(f.modified, req)
	return nil
}

func (f *fakeConn) Del(req *goldap.DelRequest) error {
	f.deleted = append(f.deleted, req.DN)
	return nil
}

func newTestClient(fc *fakeConn) *Client {
	c := NewClient(Config{
		BaseDN:  "dc=schule-sh,dc=de",
		RootOUs: map[string]string{"schule-sh.de": "oeffentlicheSchulen"},
	}, zap.NewNop())
	c.dial = func() (conn, func(), error) {
		return fc, func() { fc.closed++ }, nil
	}
	return c
}

func TestClient_IsPersonExisting(t *testing.T) {
	fc := &fakeConn{entries: map[string]string{"p1": "uid=pmueller,ou=oeffentlicheSchulen,dc=schule-sh,dc=de"}}
	c := newTestClient(fc)

	exists, err := c.IsPersonExisting(context.Background(), "p1", "schule-sh.de")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.IsPersonExisting(context.Background(), "p2", "schule-sh.de")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 2, fc.closed)
}

func TestClient_UnknownDomain(t *testing.T) {
	c := newTestClient(&fakeConn{})

	_, err := c.IsPersonExisting(context.Background(), "p1", "example.org")
	assert.ErrorIs(t, err, ErrUnknownEmailDomain)
}

func TestClient_CreatePerson(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc)

	err := c.CreatePerson(context.Background(), PersonData{
		PersonID:    "p1",
		Username:    "pmueller",
		FirstName:   "Paul",
		LastName:    "Müller",
		PrimaryMail: "paul.mueller@schule-sh.de",
		Domain:      "schule-sh.de",
	})

	require.NoError(t, err)
	require.Len(t, fc.added, 1)
	assert.Equal(t, "uid=pmueller,ou=oeffentlicheSchulen,dc=schule-sh,dc=de", fc.added[0].DN)

	attrs := map[string][]string{}
	for _, a := range fc.added[0].Attributes {
		attrs[a.Type] = a.Vals
	}
	assert.Equal(t, []string{"p1"}, attrs["employeeNumber"])
	assert.Equal(t, []string{"paul.mueller@schule-sh.de"}, attrs["mailPrimaryAddress"])
}

func TestClient_UpdatePerson(t *testing.T) {
	dn := "uid=pmueller,ou=oeffentlicheSchulen,dc=schule-sh,dc=de"
	fc := &fakeConn{entries: map[string]string{"p1": dn}}
	c := newTestClient(fc)

	err := c.UpdatePerson(context.Background(), "p1", "schule-sh.de", "paul.mueller1@schule-sh.de", "paul.mueller@schule-sh.de")

	require.NoError(t, err)
	require.Len(t, fc.modified, 1)
	assert.Equal(t, dn, fc.modified[0].DN)
	require.Len(t, fc.modified[0].Changes, 2)
	assert.Equal(t, "mailPrimaryAddress", fc.modified[0].Changes[0].Modification.Type)
	assert.Equal(t, []string{"paul.mueller1@schule-sh.de"}, fc.modified[0].Changes[0].Modification.Vals)
	assert.Equal(t, []string{"paul.mueller@schule-sh.de"}, fc.modified[0].Changes[1].Modification.Vals)
}

func TestClient_UpdatePerson_NotFound(t *testing.T) {
	c := newTestClient(&fakeConn{})

	err := c.UpdatePerson(context.Background(), "p1", "schule-sh.de", "paul.mueller@schule-sh.de", "")
	assert.ErrorIs(t, err, ErrPersonNotFound)
}

func TestClient_DeletePerson(t *testing.T) {
	dn := "uid=pmueller,ou=oeffentlicheSchulen,dc=schule-sh,dc=de"
	fc := &fakeConn{entries: map[string]string{"p1": dn}}
	c := newTestClient(fc)

	require.NoError(t, c.DeletePerson(context.Background(), "p1", "schule-sh.de"))
	require.NoError(t, c.DeletePerson(context.Background(), "missing", "schule-sh.de"))
	assert.Equal(t, []string{dn}, fc.deleted)
}

func TestClient_BindFailure(t *testing.T) {
	c := newTestClient(&fakeConn{bindErr: errors.New("invalid credentials")})

	_, err := c.IsPersonExisting(context.Background(), "p1", "schule-sh.de")
	assert.ErrorContains(t, err, "ldap bind")
}

func TestClient_CanceledContext(t *testing.T) {
	fc := &fakeConn{}
	c := newTestClient(fc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.DeletePerson(ctx, "p1", "schule-sh.de")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fc.closed)
}
