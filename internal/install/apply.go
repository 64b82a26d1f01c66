package install

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"

	"github.com/kty-dev/kty/internal/cluster"
)

// crdGVR is the GroupVersionResource for apiextensions.k8s.io/v1
// CustomResourceDefinitions, used to poll CRD status.
var crdGVR = schema.GroupVersionResource{
	Group:    "apiextensions.k8s.io",
	Version:  "v1",
	Resource: "customresourcedefinitions",
}

// Run renders the bundle and applies every object via server-side
// apply. CRDs go first and Run blocks until each reaches the
// Established condition, so the resources that depend on them can be
// resolved afterwards.
func (i *Installer) Run(ctx context.Context, opts Options) error {
	objects, err := Render(opts)
	if err != nil {
		return err
	}

	var crds, rest []*unstructured.Unstructured
	for _, obj := range objects {
		if obj.GetKind() == "CustomResourceDefinition" {
			crds = append(crds, obj)
		} else {
			rest = append(rest, obj)
		}
	}

	if len(crds) > 0 {
		mapper := i.mapper()
		for _, crd := range crds {
			if err := i.applyObject(ctx, mapper, crd, opts.DryRun); err != nil {
				return fmt.Errorf("apply CRD %s: %w", crd.GetName(), err)
			}
			i.log.Info("applied CRD", "name", crd.GetName())
		}

		if !opts.DryRun {
			if err := i.waitForCRDs(ctx, crds); err != nil {
				return err
			}
		}
	}

	// A fresh mapper sees the newly established CRDs.
	mapper := i.mapper()
	for _, obj := range rest {
		if err := i.applyObject(ctx, mapper, obj, opts.DryRun); err != nil {
			return fmt.Errorf("apply %s %s/%s: %w",
				obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
		}
		i.log.Info("applied resource",
			"kind", obj.GetKind(),
			"namespace", obj.GetNamespace(),
			"name", obj.GetName(),
		)
	}

	return nil
}

// Delete removes the bundle in reverse order so dependents go before
// their dependencies. Missing objects are skipped.
func (i *Installer) Delete(ctx context.Context, opts Options) error {
	objects, err := Render(opts)
	if err != nil {
		return err
	}

	mapper := i.mapper()
	for idx := len(objects) - 1; idx >= 0; idx-- {
		obj := objects[idx]

		client, err := i.clientFor(mapper, obj)
		if err != nil {
			return err
		}

		if err := client.Delete(ctx, obj.GetName(), metav1.DeleteOptions{}); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("delete %s %s/%s: %w",
				obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
		}
		i.log.Info("deleted resource",
			"kind", obj.GetKind(),
			"namespace", obj.GetNamespace(),
			"name", obj.GetName(),
		)
	}

	return nil
}

// applyObject performs a server-side apply for a single unstructured
// object. The REST mapper resolves the GVK into a GVR, then a PATCH
// with ApplyPatchType is issued.
func (i *Installer) applyObject(
	ctx context.Context,
	mapper meta.RESTMapper,
	obj *unstructured.Unstructured,
	dryRun bool,
) error {
	client, err := i.clientFor(mapper, obj)
	if err != nil {
		return err
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal object: %w", err)
	}

	force := true
	patchOpts := metav1.PatchOptions{
		FieldManager: cluster.ControllerName,
		Force:        &force,
	}
	if dryRun {
		patchOpts.DryRun = []string{metav1.DryRunAll}
	}

	_, err = client.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, patchOpts)
	return err
}

func (i *Installer) clientFor(mapper meta.RESTMapper, obj *unstructured.Unstructured) (dynamic.ResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("map GVK %s: %w", gvk, err)
	}

	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return i.dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace()), nil
	}
	return i.dynamic.Resource(mapping.Resource), nil
}

// waitForCRDs blocks until every CRD has the Established condition
// set to True, polling with a 2-second interval for up to 60 seconds.
func (i *Installer) waitForCRDs(ctx context.Context, crds []*unstructured.Unstructured) error {
	for _, crd := range crds {
		name := crd.GetName()
		i.log.Info("waiting for CRD to be established", "name", name)

		err := wait.PollUntilContextTimeout(ctx, 2*time.Second, 60*time.Second, true,
			func(ctx context.Context) (bool, error) {
				obj, err := i.dynamic.Resource(crdGVR).Get(ctx, name, metav1.GetOptions{})
				if err != nil {
					return false, nil // retry on transient errors
				}
				return isCRDEstablished(obj), nil
			},
		)
		if err != nil {
			return fmt.Errorf("CRD %s did not become established: %w", name, err)
		}
		i.log.Info("CRD established", "name", name)
	}
	return nil
}

// isCRDEstablished inspects the CRD status conditions for
// type=Established, status=True.
func isCRDEstablished(obj *unstructured.Unstructured) bool {
	conditions, found, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil || !found {
		return false
	}
	for _, c := range conditions {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] == "Established" && m["status"] == "True" {
			return true
		}
	}
	return false
}

// parseMultiDoc splits a multi-document YAML byte slice into
// individual unstructured objects, skipping empty documents.
func parseMultiDoc(data []byte) ([]*unstructured.Unstructured, error) {
	var objects []*unstructured.Unstructured

	decoder := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(data), 4096)
	for {
		obj := &unstructured.Unstructured{}
		if err := decoder.Decode(obj); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		// Skip empty documents (e.g. trailing "---").
		if obj.GetKind() == "" {
			continue
		}
		objects = append(objects, obj)
	}

	return objects, nil
}
