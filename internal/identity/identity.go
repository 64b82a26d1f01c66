// Package identity maps external identities onto cluster Users and
// Keys. An Identity is produced by the OpenID provider after
// signature validation or recovered from a previously bound Key; the
// Store persists the User and Key custom resources that back it.
package identity

import (
	"fmt"
	"strings"
	"time"
)

// Identity is an authenticated principal. Name is the value of the
// configured claim (default email) for OpenID logins, or the bound
// user id for public-key logins. Immutable once created.
type Identity struct {
	Name       string
	Groups     []string
	Sub        string
	Expiration time.Time
	Claims     map[string]any
}

func (i *Identity) String() string {
	if len(i.Groups) == 0 {
		return i.Name
	}
	return fmt.Sprintf("%s (%s)", i.Name, strings.Join(i.Groups, ", "))
}
