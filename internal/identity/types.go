package identity

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Group and Version identify the custom resources this gateway owns.
const (
	Group   = "kty.dev"
	Version = "v1alpha1"
)

var (
	// UserResource locates the User custom resource.
	UserResource = schema.GroupVersionResource{Group: Group, Version: Version, Resource: "users"}
	// KeyResource locates the Key custom resource.
	KeyResource = schema.GroupVersionResource{Group: Group, Version: Version, Resource: "keys"}
)

// User is a cluster-persisted principal. The object name is
// KubeID(spec.id); spec.id itself keeps the original form.
type User struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   UserSpec   `json:"spec"`
	Status UserStatus `json:"status,omitempty"`
}

type UserSpec struct {
	ID string `json:"id"`
}

type UserStatus struct {
	LastLogin *metav1.Time `json:"last_login,omitempty"`
	Sub       string       `json:"sub,omitempty"`
}

// Key binds an SSH public key to a User until Expiration. The object
// name is KubeID of the key's SHA256 fingerprint.
type Key struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   KeySpec   `json:"spec"`
	Status KeyStatus `json:"status,omitempty"`
}

type KeySpec struct {
	// Key is the authorized-keys form of the public key.
	Key        string      `json:"key"`
	Expiration metav1.Time `json:"expiration"`
	User       string      `json:"user"`
	Groups     []string    `json:"groups,omitempty"`
}

type KeyStatus struct {
	LastUsed *metav1.Time `json:"last_used,omitempty"`
}

// Expired reports whether the key is past its expiration.
func (k *Key) Expired(now metav1.Time) bool {
	return !now.Time.Before(k.Spec.Expiration.Time)
}

// Identity resolves the key to the principal it was bound for.
func (k *Key) Identity() *Identity {
	return &Identity{
		Name:       k.Spec.User,
		Groups:     k.Spec.Groups,
		Expiration: k.Spec.Expiration.Time,
	}
}
