package types

import "crypto/sha256"

// Well-known addresses.
var (
	// SystemProgramAddr is the System Program address, the owner of
	// freshly created accounts.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// PersistentHeapProgramAddr is the program that keeps state alive in
	// the first account's data between invocations.
	PersistentHeapProgramAddr = MustPubkeyFromBase58("invoker111111111111111111111111111111111111")

	// CustomHeapProgramAddr is the program that runs its allocator over the
	// per-invocation sandbox heap.
	CustomHeapProgramAddr = DeriveKey("custom-heap")
)

// DeriveKey returns a deterministic key for a human-readable seed. It is
// meant for simulator fixtures, not for address derivation on chain.
func DeriveKey(seed string) Pubkey {
	return Pubkey(sha256.Sum256([]byte(seed)))
}
