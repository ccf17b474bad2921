package stdio

import (
	"os/user"
)

// UserProvider resolves the principal to attribute the stdio peer to. The
// stdio transport carries no credentials; the process identity stands in.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the peer identity from the operating system's
// current user: the username when available, otherwise the numeric UID.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUserProvider returns a fixed user ID; useful in tests and embedded
// setups where the OS user is meaningless.
type StaticUserProvider string

func (s StaticUserProvider) CurrentUserID() (string, error) { return string(s), nil }
