// Package protocol defines the shared types and contracts of the CloakPoll
// decrypt-and-aggregate protocol: survey and request data model, the
// decryption payload wire order, the capability interfaces consumed by the
// aggregation engine, and the error taxonomy every state-changing operation
// reports from.
package protocol
