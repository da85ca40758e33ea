// Package pipeline provides the canonical types shared by the pipeline host:
// descriptors produced by the directory scanner, valve specifications, and the
// typed error taxonomy used at every boundary into pipeline-owned code.
package pipeline

// SourceExt is the file extension of pipeline source files.
const SourceExt = ".js"

// TypePipe is the default declared type for a pipeline.
const TypePipe = "pipe"

// Descriptor is static metadata about a pipeline, derived from its source
// file without loading the code. Descriptors are created on directory scans,
// superseded wholesale on rescans, and never mutated in place.
type Descriptor struct {
	Identifier  string
	SourcePath  string
	Name        string
	Description string
	Type        string
}

// Info is the listing view of a registry entry.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	FilePath    string `json:"file_path"`
	Loaded      bool   `json:"loaded"`
}

// Valves is a pipeline's configuration mapping.
type Valves map[string]any

// User identifies the caller on whose behalf a pipeline runs. It is passed
// through to pipeline code as a plain object.
type User map[string]any
