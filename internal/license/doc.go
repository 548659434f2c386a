// Package license implements machine-bound license issuance verification for
// the Kerzz Boss desktop application: token codec, persisted verification
// state, and the validation cycle against the remote licensing authority.
//
// # Architecture Overview
//
// The package consists of several components:
//
//   - Codec: Ed25519-signed portable license tokens (decode on the client,
//     encode on the issuing side only)
//   - Store: encrypted, atomically-written persistence of VerificationState
//   - AuthorityClient: remote verification endpoint client
//   - Validator: combines fingerprint, codec, store, and authority into
//     the "is this installation licensed right now" answer
//   - ValidationCache: short-TTL verdict cache
//
// # Validation Flow
//
// Each verification cycle:
//
//  1. Load persisted state and stored token
//  2. Verify the token signature (failure is fatal to trust)
//  3. Check the machine fingerprint binding (mismatch is never tolerated)
//  4. Ask the remote authority; "revoked" overrides everything
//  5. If unreachable, fall back to cached trust within the offline grace
//     window (7 days, halved for degraded fingerprints)
//
// # Trust Model
//
// The client holds only the Ed25519 public verification key. No symmetric
// secret capable of forging a license ships in the binary. The persisted
// state file is encrypted with a key derived from the machine fingerprint,
// so copying it to another machine yields nothing.
package license
