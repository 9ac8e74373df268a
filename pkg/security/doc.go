/*
Package security encrypts credential secrets at rest.

Secrets are sealed with AES-256-GCM, nonce prepended to the ciphertext. The
key comes from the ENCRYPTION_KEY environment value, either as a
base64-encoded 32-byte key or as a passphrase hashed with SHA-256.

Plaintext exists only transiently: decrypted key material is written to a
0600 file inside a job's working directory and unlinked on every exit path
of the run. Nothing in this package logs or returns plaintext beyond the
Decrypt call itself.
*/
package security
