// Package migrations embeds the postgres schema migrations applied by
// `shia-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
