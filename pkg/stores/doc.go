// Package stores provides the persistence layer for CogWorks.
//
// SQLiteStore keeps run snapshots, their append-only outcome logs and
// work-item holds in a single SQLite database, using WAL mode for file
// databases and embedded golang-migrate migrations. The same database backs
// SQLiteQueue, the single-process durable event queue.
//
// PostgresQueue is the shared queue for deployments with several
// consumers. RunArchive copies terminal runs to S3-compatible object
// storage.
package stores
