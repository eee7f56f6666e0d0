// Package schemasassets provides embedded JSON schemas.
//
// Schemas are embedded at compile time so validation works in installed
// binaries regardless of the working directory.
package schemasassets

import _ "embed"

// JobOptionsSchema is the embedded job-options JSON schema.
//
//go:embed job-options.schema.json
var JobOptionsSchema []byte
