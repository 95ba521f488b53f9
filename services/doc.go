// Package services exposes the CloakPoll protocol over HTTP: the survey and
// decryption-request API, the oracle callback endpoint, JWT-based creator
// authentication, the oracle-side HTTP service, and optional Postgres
// archival of requests and revealed results.
package services
