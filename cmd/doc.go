// Package cmd contains the CloakPoll binaries.
//
//   - server: the survey service (registry, ledger, aggregation engine, HTTP API)
//   - oracle: the threshold decryption oracle
//   - demo-cli: CLI for driving a deployed survey service
//   - common: shared helpers for the binaries
package cmd
