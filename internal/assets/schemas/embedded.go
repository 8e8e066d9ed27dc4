// Package schemasassets embeds the JSON schemas the binary validates against,
// so validation does not depend on files being present on disk.
package schemasassets

import _ "embed"

// WorkflowManifestSchema validates workflow manifests passed to `hydrocal init`.
//
//go:embed workflow-manifest.schema.json
var WorkflowManifestSchema []byte
