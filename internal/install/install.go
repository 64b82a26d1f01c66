// Package install renders and applies the gateway's install bundle:
// namespace, User/Key CRDs, RBAC, host key Secret, Deployment and
// Service. All operations are idempotent; re-running install on a
// cluster that already has the resources is a safe no-op.
package install

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"

	"github.com/kty-dev/kty/manifests"
)

// DefaultNamespace is where the bundle lands unless overridden.
const DefaultNamespace = "kty"

// Options customize one render or apply of the bundle.
type Options struct {
	// Namespace replaces the namespace of every namespaced object
	// (and the Namespace object itself). Empty means DefaultNamespace.
	Namespace string
	// HostKey is the PEM host key placed into the kty-host-key
	// Secret. Empty leaves the Secret's placeholder untouched.
	HostKey []byte
	// DryRun asks the API server to validate without persisting.
	DryRun bool
}

func (o *Options) namespace() string {
	if o.Namespace == "" {
		return DefaultNamespace
	}
	return o.Namespace
}

// Installer applies the embedded bundle via server-side apply.
type Installer struct {
	dynamic dynamic.Interface
	disc    discovery.DiscoveryInterface

	// mapper is rebuilt after CRDs are applied so the new resources
	// become visible; replaced in tests.
	mapper func() meta.RESTMapper

	log *slog.Logger
}

// New creates an Installer from the given rest.Config. The dynamic
// and discovery clients are created internally; only the config is
// injected, keeping the wiring minimal.
func New(cfg *rest.Config) (*Installer, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}

	disc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create discovery client: %w", err)
	}

	i := &Installer{
		dynamic: dyn,
		disc:    disc,
		log:     slog.Default().With("component", "install"),
	}
	i.mapper = func() meta.RESTMapper {
		return restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(i.disc))
	}

	return i, nil
}

// Render loads the embedded manifests in lexicographic order and
// customizes them for opts via JSON patches.
func Render(opts Options) ([]*unstructured.Unstructured, error) {
	entries, err := manifests.Install.ReadDir("install")
	if err != nil {
		return nil, fmt.Errorf("read embedded manifests directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var objects []*unstructured.Unstructured
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, err := manifests.Install.ReadFile("install/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", entry.Name(), err)
		}

		parsed, err := parseMultiDoc(data)
		if err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", entry.Name(), err)
		}

		for _, obj := range parsed {
			patched, err := customize(obj, opts)
			if err != nil {
				return nil, fmt.Errorf("customize %s %s: %w", obj.GetKind(), obj.GetName(), err)
			}
			objects = append(objects, patched)
		}
	}

	return objects, nil
}

// CRDs returns the embedded User/Key CustomResourceDefinitions as
// multi-document YAML, for `kty resources crd`.
func CRDs() ([]byte, error) {
	return manifests.Install.ReadFile("install/01-crds.yaml")
}

// customize rewrites obj for the target namespace and host key.
func customize(obj *unstructured.Unstructured, opts Options) (*unstructured.Unstructured, error) {
	namespace := opts.namespace()

	var ops []map[string]any
	switch obj.GetKind() {
	case "Namespace":
		ops = append(ops, op("replace", "/metadata/name", namespace))
	case "ClusterRoleBinding":
		ops = append(ops, op("replace", "/subjects/0/namespace", namespace))
	case "CustomResourceDefinition", "ClusterRole":
		// Cluster-scoped, nothing to rewrite.
	default:
		ops = append(ops, op("replace", "/metadata/namespace", namespace))
	}

	if obj.GetKind() == "Secret" && len(opts.HostKey) > 0 {
		ops = append(ops, op("replace", "/data/id_ed25519",
			base64.StdEncoding.EncodeToString(opts.HostKey)))
	}

	if len(ops) == 0 {
		return obj, nil
	}

	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	doc, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}

	out := &unstructured.Unstructured{}
	if err := out.UnmarshalJSON(patched); err != nil {
		return nil, err
	}
	return out, nil
}

func op(kind, path string, value any) map[string]any {
	return map[string]any{"op": kind, "path": path, "value": value}
}
