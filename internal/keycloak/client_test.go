package keycloak

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeycloak struct {
	mu         sync.Mutex
	tokenCalls int
	users      []User
	updated    *User
	authHeader string
}

func (f *fakeKeycloak) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-123","token_type":"bearer","expires_in":300}`))
	})
	mux.HandleFunc("/admin/realms/SPSH/users", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authHeader = r.Header.Get("Authorization")
		f.mu.Unlock()
		var result []User
		for _, u := range f.users {
			if u.Username == r.URL.Query().Get("username") {
				result = append(result, u)
			}
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/admin/realms/SPSH/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var u User
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.updated = &u
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeKeycloak) snapshot() (tokenCalls int, authHeader string, updated *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls, f.authHeader, f.updated
}

func newTestClient(t *testing.T, fk *fakeKeycloak) *Client {
	t.Helper()
	srv := httptest.NewServer(fk.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		Realm:        "SPSH",
		AdminRealm:   "master",
		ClientID:     "spsh-service",
		ClientSecret: "secret",
	}, nil)
}

func TestClient_FindUserByUsername(t *testing.T) {
	fk := &fakeKeycloak{users: []User{{ID: "kc-1", Username: "pmueller", Enabled: true}}}
	c := newTestClient(t, fk)

	user, err := c.FindUserByUsername(context.Background(), "pmueller")

	require.NoError(t, err)
	assert.Equal(t, "kc-1", user.ID)
	tokenCalls, authHeader, _ := fk.snapshot()
	assert.Equal(t, "Bearer token-123", authHeader)
	assert.Equal(t, 1, tokenCalls)

	_, err = c.FindUserByUsername(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrUserNotFound)
	tokenCalls, _, _ = fk.snapshot()
	assert.Equal(t, 1, tokenCalls, "token is cached")
}

func TestClient_UpdateOXUserAttributes(t *testing.T) {
	fk := &fakeKeycloak{users: []User{{
		ID:         "kc-1",
		Username:   "pmueller",
		Enabled:    true,
		Attributes: map[string][]string{"kennung": {"0706054"}},
	}}}
	c := newTestClient(t, fk)

	err := c.UpdateOXUserAttributes(context.Background(), "pmueller", "pmueller", "context1")

	require.NoError(t, err)
	_, _, updated := fk.snapshot()
	require.NotNil(t, updated)
	assert.Equal(t, []string{"pmueller@context1"}, updated.Attributes[AttributeOxID])
	assert.Equal(t, []string{"0706054"}, updated.Attributes["kennung"])
}

func TestClient_UpdateOXUserAttributes_UnknownUser(t *testing.T) {
	c := newTestClient(t, &fakeKeycloak{})

	err := c.UpdateOXUserAttributes(context.Background(), "pmueller", "pmueller", "context1")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
