package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"
	authorizationv1 "k8s.io/api/authorization/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/kty-dev/kty/internal/cluster"
	"github.com/kty-dev/kty/internal/config"
	"github.com/kty-dev/kty/internal/identity"
)

// NewUsersCommand builds the users command tree: create, key, grant
// and check.
func NewUsersCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage cluster Users and their SSH keys",
	}

	if err := conf.BindFlags(cmd.PersistentFlags(), config.UsersOptions); err != nil {
		return nil, err
	}

	cmd.AddCommand(
		newUsersCreateCommand(conf),
		newUsersKeyCommand(conf),
		newUsersGrantCommand(conf),
		newUsersCheckCommand(conf),
	)

	return cmd, nil
}

func newUsersCreateCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "create <id>",
		Short:   "Create a User resource for an identity",
		Example: "kty users create alex@example.com",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ctrl, err := userStore(conf)
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()

			user, err := store.CreateUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(user)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newUsersKeyCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "key <id>",
		Short:   "Bind an SSH public key to a User ahead of first login",
		Example: "kty users key alex@example.com --key-path ~/.ssh/id_ed25519.pub",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := conf.UsersKeyPath()
			if path == "" {
				return errors.New("--key-path is required")
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read public key %s: %w", path, err)
			}
			pk, _, _, _, err := gossh.ParseAuthorizedKey(raw)
			if err != nil {
				return fmt.Errorf("parse public key %s: %w", path, err)
			}

			store, ctrl, err := userStore(conf)
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()

			user, err := store.UserByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			ident := &identity.Identity{
				Name:       args[0],
				Groups:     conf.UsersGroups(),
				Expiration: time.Now().Add(conf.UsersKeyExpiration()),
			}
			key, err := store.Bind(cmd.Context(), user, ident, pk)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "bound key %s to %s, expires %s\n",
				key.GetName(), args[0], key.Spec.Expiration.Format(time.RFC3339))
			return nil
		},
	}
}

func newUsersGrantCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "grant <cluster-role> <id>",
		Short:   "Bind a ClusterRole to an identity",
		Example: "kty users grant view alex@example.com",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, id := args[0], args[1]

			ctrl, err := controller(conf)
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()

			binding := &rbacv1.ClusterRoleBinding{
				ObjectMeta: metav1.ObjectMeta{
					Name: "kty:" + identity.KubeID(id),
				},
				RoleRef: rbacv1.RoleRef{
					APIGroup: rbacv1.GroupName,
					Kind:     "ClusterRole",
					Name:     role,
				},
				Subjects: []rbacv1.Subject{{
					APIGroup: rbacv1.GroupName,
					Kind:     rbacv1.UserKind,
					Name:     id,
				}},
			}

			_, err = ctrl.Clients().Typed.RbacV1().ClusterRoleBindings().
				Create(cmd.Context(), binding, metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				return fmt.Errorf("binding %s already exists, delete it to change the role", binding.Name)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s via %s\n", role, id, binding.Name)
			return nil
		},
	}
}

func newUsersCheckCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "check <id>",
		Short:   "Probe what an identity can access",
		Example: "kty users check alex@example.com --groups developers",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := controller(conf)
			if err != nil {
				return err
			}
			defer ctrl.Shutdown()

			clients, err := ctrl.Impersonate(args[0], conf.UsersGroups())
			if err != nil {
				return err
			}

			allowed, err := cluster.CanI(cmd.Context(), clients, authorizationv1.ResourceAttributes{
				Verb:     "list",
				Resource: "pods",
			})
			if err != nil {
				return err
			}

			if !allowed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s cannot list pods; grant a role with `kty users grant`\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s can list pods\n", args[0])
			return nil
		},
	}
}

func controller(conf *config.Config) (*cluster.Controller, error) {
	cfg, err := restConfig()
	if err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}
	return cluster.New(cfg, conf.UsersNamespace())
}

func userStore(conf *config.Config) (*identity.Store, *cluster.Controller, error) {
	ctrl, err := controller(conf)
	if err != nil {
		return nil, nil, err
	}
	return identity.NewStore(ctrl), ctrl, nil
}
