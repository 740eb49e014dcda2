package migrations

import "embed"

// FS holds the SQL migrations applied by Run, in filename order.
//
//go:embed *.sql
var FS embed.FS
