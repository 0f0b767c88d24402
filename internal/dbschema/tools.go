//go:build tools

// This file pins github.com/pressly/goose/v3 as a direct dependency under
// the tools build tag. open.go also imports goose directly for its
// provider API.
package dbschema

import _ "github.com/pressly/goose/v3"
