// Package keycloak writes groupware metadata into Keycloak user attributes.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUserNotFound is returned when no Keycloak user has the requested username.
var ErrUserNotFound = errors.New("keycloak: user not found")

// AttributeOxID holds "<oxUserName>@<oxContextName>".
const AttributeOxID = "ID_OX"

// Config holds the admin API settings.
type Config struct {
	BaseURL      string
	Realm        string
	AdminRealm   string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// User is the subset of the Keycloak user representation this service touches.
type User struct {
	ID         string              `json:"id"`
	Username   string              `json:"username"`
	Email      string              `json:"email,omitempty"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Client calls the Keycloak admin REST API with a service account token.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Client whose requests carry a client-credentials token.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.AdminRealm == "" {
		cfg.AdminRealm = cfg.Realm
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	cfg.BaseURL = base

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", base, cfg.AdminRealm),
	}
	httpClient := cc.Client(context.Background())
	httpClient.Timeout = cfg.Timeout

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

func (c *Client) usersURL() string {
	return fmt.Sprintf("%s/admin/realms/%s/users", c.cfg.BaseURL, url.PathEscape(c.cfg.Realm))
}

func (c *Client) do(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("keycloak: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("keycloak: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUserNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("keycloak %s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("keycloak: decode response: %w", err)
	}
	return nil
}

// FindUserByUsername looks a user up by exact username.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("exact", "true")

	var users []User
	if err := c.do(ctx, http.MethodGet, c.usersURL()+"?"+q.Encode(), nil, &users); err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Username, username) {
			return &users[i], nil
		}
	}
	return nil, ErrUserNotFound
}

// UpdateOXUserAttributes stores the OX account of username in its ID_OX attribute.
func (c *Client) UpdateOXUserAttributes(ctx context.Context, username, oxUserName, oxContextName string) error {
	user, err := c.FindUserByUsername(ctx, username)
	if err != nil {
		return err
	}

	if user.Attributes == nil {
		user.Attributes = map[string][]string{}
	}
	user.Attributes[AttributeOxID] = []string{oxUserName + "@" + oxContextName}

	if err := c.do(ctx, http.MethodPut, c.usersURL()+"/"+url.PathEscape(user.ID), user, nil); err != nil {
		return err
	}

	c.logger.Info("keycloak ox attributes updated",
		zap.String("username", username),
		zap.String("oxUserName", oxUserName))
	return nil
}
