// Package api serves the bridge's HTTP status and control API and a
// WebSocket feed of zone and link changes.
//
// All routes live under /api/v1. Everything except /health requires a bearer
// token when security.auth_required is set; each route additionally checks
// the caller's role for the permission it needs.
//
//	server, err := api.New(deps)
//	if err := server.Start(ctx); err != nil { ... }
//	defer server.Close()
package api
