// Package auth implements padrelay credentials and both authenticators.
//
// A Credential is either a plaintext secret or a PBKDF2-HMAC-SHA256 hash
// record serialized as
//
//	pbkdf2_sha256$<iterations>$<salt_hex>$<hash_hex>
//
// The reliable transport uses challenge-response: the server issues 32 random
// bytes plus the salt and iteration count, the client answers with
// HMAC-SHA256(DeriveKey(secret, salt, iterations), challenge). Each challenge
// verifies at most once.
//
// The unreliable transport signs every input message with
// HMAC-SHA256(key, canonical message || timestamp) and the server rejects
// tokens whose timestamp is more than 60 seconds from its clock. Servers that
// hold a hash answer AuthParamsRequest so plaintext clients can derive the
// same key.
package auth
