// Package sshkeys loads and generates user keys for public-key
// authentication.
//
// [LoadSigner] reads an OpenSSH, PKCS#1, PKCS#8 or SEC1 private key and
// reports [ErrPassphraseRequired] when the key is encrypted and no
// passphrase was supplied, so the caller can prompt precisely instead of
// treating the key as rejected. [GenerateKeyPair] creates ED25519 keys for
// the launcher's keygen command.
//
// Private keys are written with 0600 permissions and their directory with
// 0700.
package sshkeys
