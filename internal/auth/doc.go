// Package auth issues and validates the bearer tokens that protect the
// bridge's HTTP API.
//
// Tokens are HS256 JWTs carrying a subject and one of three roles. Roles map
// to a fixed permission set: viewers read state and history, operators also
// control zones, admins may additionally send raw amplifier commands and
// change runtime settings.
package auth
