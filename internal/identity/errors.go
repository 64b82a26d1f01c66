package identity

import "errors"

var (
	// ErrUserNotFound means no User carries the requested spec.id.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUser means more than one User carries the same
	// spec.id. Authentication refuses to guess which one to use.
	ErrDuplicateUser = errors.New("duplicate user id")
	// ErrKeyNotFound means the offered public key has never been bound.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExpired means the bound key exists but is past its
	// expiration. The key is left untouched.
	ErrKeyExpired = errors.New("key expired")
)
