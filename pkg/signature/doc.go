/*
Package signature validates artifact signatures before any node-level action.

Artifacts carry a detached PKCS#7 SignedData blob over the SHA-256 of their
content. Verification computes the content hash, parses the SignedData,
checks the signer certificate's validity window, builds the certificate
chain against the injected trust store, and verifies the signature.

Any step that cannot conclude positively yields a SignatureInvalid error.
Verification failures are never retried; the pipeline treats them as
terminal stage failures. Whether an invalid signature aborts the stage
(strict mode) or is downgraded to a warning (permissive mode, non-production
only) is decided by the caller from configuration; the verifier itself is
pure.
*/
package signature
