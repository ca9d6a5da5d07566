/*
Package security provides field-level encryption for stored credentials.

Connection rows carry upstream API keys and webhook secrets; those two
fields are encrypted with AES-256-GCM before they reach the database file
and decrypted on read. The rest of the row stays cleartext JSON.

# Key Derivation

The 32-byte key is derived from the POLLER_ENCRYPTION_KEY passphrase via
SHA-256. The daemon refuses to start without a passphrase; losing it
means re-entering credentials, not losing orders.

# Wire Format

Each ciphertext is nonce || sealed, base64url-encoded for the string
helpers. A fresh random nonce is drawn per encryption, so encrypting the
same secret twice yields different ciphertexts. Empty strings pass
through unencrypted in both directions.

# Usage

	enc, err := security.NewFieldEncryptorFromPassphrase(key)
	ct, err := enc.EncryptString(apiKey)
	pt, err := enc.DecryptString(ct)

Decryption fails loudly on tampered or foreign-key ciphertexts (GCM
authentication), surfacing as a storage read error rather than silently
corrupt credentials.
*/
package security
