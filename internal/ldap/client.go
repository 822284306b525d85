// Package ldap keeps the mail attributes of person entries in the directory in sync.
package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

var (
	ErrPersonNotFound      = errors.New("ldap: person not found")
	ErrPersonAlreadyExists = errors.New("ldap: person already exists")
	ErrUnknownEmailDomain  = errors.New("ldap: no root organisational unit for email domain")
)

const (
	attrPersonID    = "employeeNumber"
	attrPrimaryMail = "mailPrimaryAddress"
	attrAliasMail   = "mailAlternativeAddress"
)

// Config holds the directory settings.
type Config struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	// RootOUs maps an e-mail domain to the organisational unit below BaseDN.
	RootOUs map[string]string
	Timeout time.Duration
}

// PersonData describes a person entry.
type PersonData struct {
	PersonID    string
	Username    string
	FirstName   string
	LastName    string
	PrimaryMail string
	Domain      string
}

type conn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Add(req *goldap.AddRequest) error
	Modify(req *goldap.ModifyRequest) error
	Del(req *goldap.DelRequest) error
}

type dialFunc func() (conn, func(), error)

// Client opens one bound connection per operation.
type Client struct {
	cfg    Config
	dial   dialFunc
	mu     sync.Mutex
	logger *zap.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{cfg: cfg, logger: logger}
	c.dial = func() (conn, func(), error) {
		l, err := goldap.DialURL(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		l.SetTimeout(cfg.Timeout)
		return l, func() { l.Close() }, nil
	}
	return c
}

func (c *Client) rootDN(domain string) (string, error) {
	ou, ok := c.cfg.RootOUs[strings.ToLower(domain)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEmailDomain, domain)
	}
	return fmt.Sprintf("ou=%s,%s", ou, c.cfg.BaseDN), nil
}

// withConn serialises directory writes and runs fn on a bound connection.
func (c *Client) withConn(ctx context.Context, fn func(conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	l, closeFn, err := c.dial()
	if err != nil {
		return fmt.Errorf("ldap dial: %w", err)
	}
	defer closeFn()

	if err := l.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		return fmt.Errorf("ldap bind: %w", err)
	}
	return fn(l)
}

// Ping dials and binds once.
func (c *Client) Ping(ctx context.Context) error {
	return c.withConn(ctx, func(conn) error { return nil })
}

func findPersonDN(l conn, root, personID string) (string, error) {
	res, err := l.Search(goldap.NewSearchRequest(
		root,
		goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 1, 0, false,
		fmt.Sprintf("(&(objectClass=inetOrgPerson)(%s=%s))", attrPersonID, goldap.EscapeFilter(personID)),
		[]string{"dn"},
		nil,
	))
	if err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject) {
			return "", ErrPersonNotFound
		}
		return "", fmt.Errorf("ldap search: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", ErrPersonNotFound
	}
	return res.Entries[0].DN, nil
}

// IsPersonExisting reports whether an entry for personID exists below the root of domain.
func (c *Client) IsPersonExisting(ctx context.Context, personID, domain string) (bool, error) {
	root, err := c.rootDN(domain)
	if err != nil {
		return false, err
	}

	exists := false
	err = c.withConn(ctx, func(l conn) error {
		_, err := findPersonDN(l, root, personID)
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, ErrPersonNotFound):
			return nil
		default:
			return err
		}
	})
	return exists, err
}

// CreatePerson adds an entry with the primary mail set.
func (c *Client) CreatePerson(ctx context.Context, p PersonData) error {
	root, err := c.rootDN(p.Domain)
	if err != nil {
		return err
	}

	dn := fmt.Sprintf("uid=%s,%s", p.Username, root)
	req := goldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "person", "organizationalPerson", "inetOrgPerson", "univentionMail"})
	req.Attribute("uid", []string{p.Username})
	req.Attribute("cn", []string{p.Username})
	req.Attribute("givenName", []string{p.FirstName})
	req.Attribute("sn", []string{p.LastName})
	req.Attribute(attrPersonID, []string{p.PersonID})
	if p.PrimaryMail != "" {
		req.Attribute(attrPrimaryMail, []string{p.PrimaryMail})
	}

	err = c.withConn(ctx, func(l conn) error {
		if err := l.Add(req); err != nil {
			if goldap.IsErrorWithCode(err, goldap.LDAPResultEntryAlreadyExists) {
				return ErrPersonAlreadyExists
			}
			return fmt.Errorf("ldap add: %w", err)
		}
		return nil
	})
	if err == nil {
		c.logger.Info("ldap person created", zap.String("personId", p.PersonID), zap.String("dn", dn))
	}
	return err
}

// UpdatePerson replaces primary mail and alias of an entry. An empty alias removes it.
func (c *Client) UpdatePerson(ctx context.Context, personID, domain, primaryMail, aliasMail string) error {
	root, err := c.rootDN(domain)
	if err != nil {
		return err
	}

	return c.withConn(ctx, func(l conn) error {
		dn, err := findPersonDN(l, root, personID)
		if err != nil {
			return err
		}

		req := goldap.NewModifyRequest(dn, nil)
		req.Replace(attrPrimaryMail, []string{primaryMail})
		if aliasMail != "" {
			req.Replace(attrAliasMail, []string{aliasMail})
		} else {
			req.Replace(attrAliasMail, []string{})
		}
		if err := l.Modify(req); err != nil {
			return fmt.Errorf("ldap modify: %w", err)
		}

		c.logger.Info("ldap person updated",
			zap.String("personId", personID),
			zap.String("primaryMail", primaryMail),
			zap.String("alias", aliasMail))
		return nil
	})
}

// DeletePerson removes the entry of personID. A missing entry is not an error.
func (c *Client) DeletePerson(ctx context.Context, personID, domain string) error {
	root, err := c.rootDN(domain)
	if err != nil {
		return err
	}

	return c.withConn(ctx, func(l conn) error {
		dn, err := findPersonDN(l, root, personID)
		if errors.Is(err, ErrPersonNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := l.Del(goldap.NewDelRequest(dn, nil)); err != nil {
			if goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject) {
				return nil
			}
			return fmt.Errorf("ldap delete: %w", err)
		}
		return nil
	})
}
