// Package storage defines interfaces for persisting OAuth clients, PKCE
// challenges, authorization codes, and tokens.
//
// Check-then-mutate sequences (marking a code used, rotating a refresh token)
// are exposed as atomic claim primitives rather than separate read and write
// calls, so implementations can close the time-of-check-to-time-of-use race
// with a lock or a conditional write.
package storage
