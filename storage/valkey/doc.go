// Package valkey provides a Valkey-backed implementation of all storage
// interfaces for multi-instance deployments.
//
// Records are stored as JSON values whose TTL matches the record's expiry,
// so Valkey handles the expiry sweep server-side. The claim operations
// (marking an authorization code used, consuming a refresh token) run as Lua
// scripts: script execution is single-threaded on the server, which gives
// the same exactly-one-winner guarantee the in-memory store gets from its
// mutex, even with many server processes sharing one Valkey.
package valkey
