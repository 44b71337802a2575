// Package migrations embeds the SQL files applied by "billing-server migrate up".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
