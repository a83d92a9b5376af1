package models

import _ "embed"

//go:embed workflow.go
var schemaWorkflow string

//go:embed execution.go
var schemaExecution string

// SchemaText returns the source text of the data model, served by the
// control surface's schema verb.
func SchemaText() string {
	return schemaWorkflow + "\n" + schemaExecution
}
