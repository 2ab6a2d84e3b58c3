// Package rate implements the Redis-backed fixed-window counters behind
// server-side login lockout and reset-request throttling.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. A lock is
// a separate key armed when the failure counter crosses its ceiling, so the
// lock duration is independent of the counting window. Key prefixes:
//   - akf:  / akfip: — login failures per identifier / per IP
//   - akl:  / aklip: — active locks per identifier / per IP
//   - akrr:           — reset requests per identifier
package rate
