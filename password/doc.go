// Package password defines the credential-hashing contract the engine
// consumes and adapts x/crypto's argon2id to it.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification reads parameters back from the stored string, so cost
// upgrades apply to new hashes without invalidating old ones;
// [Hasher.NeedsUpgrade] tells callers when to re-hash on the next
// successful verification.
//
// The KDF itself is not implemented here — this package holds plaintext
// only long enough to hand it to the library and never stores it.
package password
