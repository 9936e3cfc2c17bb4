// Package cmd defines and implements the CLI commands for the keyboxer
// executable.
//
// Architecture overview:
//   - Search: internal/search pages through the GitHub code-search API for the configured query, drops results
//     without the configured extension, and maps each html_url onto the raw content host.
//   - Ingest: internal/crawler.Engine skips URLs already in the URL cache (internal/urlcache), downloads the rest
//     through the Colly fetcher, canonicalizes them (internal/canonical), and stores unseen valid documents under the
//     SHA-256 of their canonical form (internal/store over a local directory or a GCS bucket).
//   - Reconcile: internal/crawler.Reconciler re-validates every stored document and asks the operator before deleting
//     one that no longer passes (internal/prompt).
//   - Plumbing: Viper reads config from file and KEYBOXER_* env vars, zap logs every transition with the run ID,
//     requests are paced per host by internal/policy/ratelimit, and run metrics are pushed to a Pushgateway when one
//     is configured.
//
// Operational notes:
//   - The URL cache is flushed only after a complete traversal; an interrupted run (SIGINT/SIGTERM) keeps the
//     documents it stored but forgets which URLs it saw.
//   - There is no cross-process locking; run one instance per cache file and store.
//   - Use reconcile.assume_no (or --assume-no) when no operator is attached, e.g. in cron.
package cmd
