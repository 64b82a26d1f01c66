package resources

import (
	"errors"
	"fmt"
)

// ErrNoSuchFile marks a missing virtual path. The SFTP layer maps it
// to SSH_FX_NO_SUCH_FILE.
var ErrNoSuchFile = errors.New("no such file")

// AccessError is an authorization failure with a remediation hint.
// The message names the exact verb and resource the client's RBAC is
// missing.
type AccessError struct {
	Verb     string
	Resource string
	Path     string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("unable to access %s, grant `%s` for `%s`", e.Path, e.Verb, e.Resource)
}
