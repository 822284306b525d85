package ox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoSuchUser               = errors.New("ox: no such user")
	ErrNoSuchGroup              = errors.New("ox: no such group")
	ErrPrimaryMailAlreadyExists = errors.New("ox: primary mail address already exists")
	ErrMemberAlreadyInGroup     = errors.New("ox: member already in group")
	ErrUsernameAlreadyExists    = errors.New("ox: username already exists")
)

// Error is a SOAP fault or transport failure reported by OX.
type Error struct {
	Action  string
	Code    string
	Message string
	Status  int
	// Kind is one of the sentinel errors above, or nil.
	Kind error
}

func (e *Error) Error() string {
	if e.Status != 0 && e.Code == "" {
		return fmt.Sprintf("ox %s: http %d: %s", e.Action, e.Status, e.Message)
	}
	return fmt.Sprintf("ox %s: %s: %s", e.Action, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// classify maps OX fault messages to sentinel errors.
func classify(message string) error {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "no such user"):
		return ErrNoSuchUser
	case strings.Contains(m, "no such group"):
		return ErrNoSuchGroup
	case strings.Contains(m, "primary mail address") && strings.Contains(m, "already"):
		return ErrPrimaryMailAlreadyExists
	case strings.Contains(m, "already member"), strings.Contains(m, "already a member"):
		return ErrMemberAlreadyInGroup
	case strings.Contains(m, "user") && strings.Contains(m, "already exists"):
		return ErrUsernameAlreadyExists
	default:
		return nil
	}
}
