// Package crawler implements the keybox discovery pipeline: the engine that
// drives search traversal, URL and content deduplication, validation and
// storage, plus the reconciler that prunes stored documents which no longer
// validate.
package crawler
