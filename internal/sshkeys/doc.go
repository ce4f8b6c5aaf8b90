// Package sshkeys loads the panel's SSH identity and tracks remote host keys.
//
// The private key is supplied externally, either inline through
// PANEL_SSH_PRIVATE_KEY (literal "\n" sequences are expanded) or as a file
// path through PANEL_SSH_PRIVATE_KEY_PATH. [LoadSigner] resolves it into an
// ssh.Signer shared by the session broker and the one-shot provisioning
// helpers.
//
// Droplets are not pre-registered, so there is no fingerprint to verify
// against on first contact. [HostKeyLog] records the fingerprint seen per
// host and logs a warning when it changes.
package sshkeys
