// Package jwt mints and verifies the short-lived access tokens bound to a
// server-side session. Expired and otherwise-invalid tokens parse to
// distinct errors so the client layer can apply its refresh-then-retry rule
// only where it makes sense.
package jwt
