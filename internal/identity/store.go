package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/ssh"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	"github.com/kty-dev/kty/internal/cluster"
)

// Publisher records cluster Events without blocking.
type Publisher interface {
	Publish(ref *corev1.ObjectReference, eventType, reason, message string)
}

// Store reads and writes User and Key custom resources.
type Store struct {
	dyn       dynamic.Interface
	namespace string
	events    Publisher

	autoCreate       bool
	keepOrphanedKeys bool

	now func() metav1.Time
	log *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithAutoCreate controls whether a first OpenID login may create the
// User implicitly. Enabled by default; the serve --no-create flag
// turns it off.
func WithAutoCreate(enabled bool) StoreOption {
	return func(s *Store) { s.autoCreate = enabled }
}

// WithKeepOrphanedKeys skips the owner reference on bound Keys so they
// survive deletion of their User.
func WithKeepOrphanedKeys(keep bool) StoreOption {
	return func(s *Store) { s.keepOrphanedKeys = keep }
}

// WithStoreLogger configures a structured logger.
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore builds a Store over the controller's own client. Users and
// Keys live in the controller's namespace.
func NewStore(ctrl *cluster.Controller, opts ...StoreOption) *Store {
	s := &Store{
		dyn:        ctrl.Clients().Dynamic,
		namespace:  ctrl.Namespace(),
		events:     ctrl,
		autoCreate: true,
		now:        metav1.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("component", "identity")
	}

	return s
}

// AuthenticateIdentity resolves an OpenID identity to its User,
// creating one when auto-create is enabled. status.sub is patched
// with the token subject. Duplicate spec.id is an error, never a
// guess.
func (s *Store) AuthenticateIdentity(ctx context.Context, ident *Identity) (*User, error) {
	user, err := s.UserByID(ctx, ident.Name)
	switch {
	case err == nil:
	case errors.Is(err, ErrUserNotFound):
		if !s.autoCreate {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, ident.Name)
		}
		if user, err = s.CreateUser(ctx, ident.Name); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if ident.Sub != "" && user.Status.Sub != ident.Sub {
		if err := s.patchStatus(ctx, UserResource, user.Name, map[string]any{"sub": ident.Sub}); err != nil {
			return nil, fmt.Errorf("record subject for %s: %w", user.Name, err)
		}
		user.Status.Sub = ident.Sub
	}

	return user, nil
}

// AuthenticateKey resolves a previously bound public key. The Key
// must be unexpired and its User must still exist; on success
// status.last_used is bumped and the bound identity returned.
func (s *Store) AuthenticateKey(ctx context.Context, pk ssh.PublicKey) (*Identity, *User, error) {
	name := KubeID(ssh.FingerprintSHA256(pk))

	obj, err := s.dyn.Resource(KeyResource).Namespace(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, nil, fmt.Errorf("fetch key %s: %w", name, err)
	}

	key := &Key{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, key); err != nil {
		return nil, nil, fmt.Errorf("decode key %s: %w", name, err)
	}

	if key.Expired(s.now()) {
		return nil, nil, fmt.Errorf("%w: %s", ErrKeyExpired, name)
	}

	user, err := s.UserByID(ctx, key.Spec.User)
	if err != nil {
		return nil, nil, err
	}

	if err := s.patchStatus(ctx, KeyResource, name, map[string]any{"last_used": s.now()}); err != nil {
		return nil, nil, fmt.Errorf("record key use for %s: %w", name, err)
	}

	return key.Identity(), user, nil
}

// Bind creates or refreshes the Key for pk, named by the sanitized
// fingerprint and owner-referenced to user so cascade delete cleans
// it up. Rebinding from a different user moves the key.
func (s *Store) Bind(ctx context.Context, user *User, ident *Identity, pk ssh.PublicKey) (*Key, error) {
	name := KubeID(ssh.FingerprintSHA256(pk))

	key := &Key{
		TypeMeta: metav1.TypeMeta{
			APIVersion: Group + "/" + Version,
			Kind:       "Key",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
		},
		Spec: KeySpec{
			Key:        strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pk))),
			Expiration: metav1.Time{Time: ident.Expiration},
			User:       user.Spec.ID,
			Groups:     ident.Groups,
		},
	}
	if !s.keepOrphanedKeys {
		key.OwnerReferences = []metav1.OwnerReference{{
			APIVersion: Group + "/" + Version,
			Kind:       "User",
			Name:       user.Name,
			UID:        user.UID,
		}}
	}

	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(key)
	if err != nil {
		return nil, fmt.Errorf("encode key %s: %w", name, err)
	}

	applied, err := s.dyn.Resource(KeyResource).Namespace(s.namespace).Apply(ctx, name,
		&unstructured.Unstructured{Object: raw}, metav1.ApplyOptions{
			FieldManager: cluster.ControllerName,
			Force:        true,
		})
	if err != nil {
		return nil, fmt.Errorf("bind key %s for %s: %w", name, user.Spec.ID, err)
	}

	bound := &Key{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(applied.Object, bound); err != nil {
		return nil, fmt.Errorf("decode key %s: %w", name, err)
	}

	s.log.Info("bound key", "key", name, "user", user.Spec.ID, "expiration", key.Spec.Expiration.Time)

	return bound, nil
}

// Login records a successful authentication on user and publishes a
// Normal/Authenticated event naming the method.
func (s *Store) Login(ctx context.Context, user *User, method string) error {
	if err := s.patchStatus(ctx, UserResource, user.Name, map[string]any{"last_login": s.now()}); err != nil {
		return fmt.Errorf("record login for %s: %w", user.Name, err)
	}

	s.events.Publish(&corev1.ObjectReference{
		APIVersion: Group + "/" + Version,
		Kind:       "User",
		Namespace:  user.Namespace,
		Name:       user.Name,
		UID:        user.UID,
	}, corev1.EventTypeNormal, "Authenticated", fmt.Sprintf("Login method=%s", method))

	return nil
}

// CreateUser persists a new User for id. The object name is the
// sanitized id.
func (s *Store) CreateUser(ctx context.Context, id string) (*User, error) {
	user := &User{
		TypeMeta: metav1.TypeMeta{
			APIVersion: Group + "/" + Version,
			Kind:       "User",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      KubeID(id),
			Namespace: s.namespace,
		},
		Spec: UserSpec{ID: id},
	}

	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(user)
	if err != nil {
		return nil, fmt.Errorf("encode user %s: %w", id, err)
	}

	created, err := s.dyn.Resource(UserResource).Namespace(s.namespace).Create(ctx,
		&unstructured.Unstructured{Object: raw}, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", id, err)
	}

	out := &User{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(created.Object, out); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}

	s.log.Info("created user", "user", id)

	return out, nil
}

// UserByID finds the unique User whose spec.id matches id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	list, err := s.dyn.Resource(UserResource).Namespace(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var found *User
	for i := range list.Items {
		user := &User{}
		if err := runtime.DefaultUnstructuredConverter.FromUnstructured(list.Items[i].Object, user); err != nil {
			return nil, fmt.Errorf("decode user %s: %w", list.Items[i].GetName(), err)
		}
		if user.Spec.ID != id {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, id)
		}
		found = user
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}

	return found, nil
}

// patchStatus merge-patches the status stanza. The CRDs enable the
// status subresource, so the patch must address it explicitly; a
// patch through the main endpoint would be silently dropped.
func (s *Store) patchStatus(ctx context.Context, gvr schema.GroupVersionResource, name string, status map[string]any) error {
	patch, err := json.Marshal(map[string]any{"status": status})
	if err != nil {
		return err
	}

	_, err = s.dyn.Resource(gvr).Namespace(s.namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}, "status")
	return err
}
