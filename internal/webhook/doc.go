// Package webhook receives signed push deliveries.
//
// Every delivery body is authenticated with an HMAC over the shared secret
// before anything looks at it. X-Hub-Signature-256 is checked when present,
// otherwise X-Hub-Signature ("sha1=" + hex). Comparison uses
// crypto/subtle, and the response to a bad signature is always a generic 403.
//
// # Request Flow
//
//  1. POST arrives at the callback path (other paths 404, other methods 405)
//  2. Body read with a size limit (413 when exceeded, 400 when short)
//  3. Signature verified (403 on failure, no action runs)
//  4. ping answered with 200 pong; events other than push get 202 ignored
//  5. Payload parsed as a JSON object (400 otherwise)
//  6. 200 accepted written and flushed
//  7. before action, Processor, after action, in that order
//
// Action and processing failures are logged with their stage and never
// change the response, which is already committed.
package webhook
