// Package annosync wires the stores, hooks, synchronization service and
// auditor into the annosync command.
//
// Commands:
//
//	check-status              compare record counts of both stores
//	force-sync <document-id>  rewrite the projections of one document
//	sync-all                  create missing projections, replay pending records
//	repair-sync [--deep]      sync-all plus field-level (or full content) repair
//	test-connection           check the document store is reachable
//	test-sync                 write, read and delete a probe projection
//	setup                     create document store indexes
//	migrate                   migrate the primary schema and bootstrap projections
//	reset-secondary --yes     delete every projection
//	pending [--status]        list records awaiting propagation
//	stats                     annotation statistics
//	run [--addr]              serve the HTTP API and /metrics
//
// Every option can also be set through the environment variable named in
// its help text, for example POSTGRES_DSN or SECONDARY_BACKEND.
package annosync
