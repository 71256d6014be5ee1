// Package snapshot provides the optional AEAD encryption layer for Raft
// snapshots: key derivation from a raw key or passphrase, and cipher
// construction via pkg/crypto/adaptive. The encryption itself (and the
// snapshot wire format) lives in internal/server's FSM, which builds its
// cipher with pkg/crypto/adaptive directly; cmd/tokmesh-server calls
// GenerateKey to obtain a key and passes the raw bytes to the server
// config.
package snapshot
