// Package crypto provides the cryptographic primitives for CloakPoll:
// Ed25519 identities and signatures, the per-request blinding factor
// derivation, and the Paillier-backed homomorphic scheme consumed by the
// aggregation engine as an opaque capability.
package crypto
