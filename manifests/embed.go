// Package manifests embeds the static Kubernetes YAML the installer
// applies. Keeping the manifests in a top-level directory (rather
// than internal/) makes them easy to inspect and update without
// diving into Go packages.
package manifests

import "embed"

// Install holds the YAML manifests applied by `kty resources install`
// (namespace, CRDs, RBAC, host key Secret, Deployment, Service).
// Files are accessed via the "install/" prefix and applied in
// lexicographic order.
//
//go:embed install/*.yaml
var Install embed.FS
