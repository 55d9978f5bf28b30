// Package migrations embeds the goose SQL migrations so the server and the
// migrate command run the same schema without a checkout on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
