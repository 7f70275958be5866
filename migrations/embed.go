// Package migrations embeds the goose SQL migrations for the client durable
// store and the reference server's record store.
package migrations

import "embed"

// FS holds both migration sets. Client migrations live under "client",
// server migrations under "server".
//
//go:embed client/*.sql server/*.sql
var FS embed.FS

const (
	ClientDir = "client"
	ServerDir = "server"
)
