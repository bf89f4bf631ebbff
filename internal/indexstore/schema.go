// Package indexstore is the relational index over stored instances: the
// versioned instance records, extended query tag definitions and values,
// reindex operation checkpoints, and the change feed. All state lives in one
// SQLite database (index.db) written by a single connection.
package indexstore

import "fmt"

// CreateWatermarkSequenceSQL creates the single-row watermark allocator.
// Watermarks are allocated by incrementing this row inside the writing
// transaction, so they are strictly increasing across creates and updates.
const CreateWatermarkSequenceSQL = `
CREATE TABLE IF NOT EXISTS watermark_sequence (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    value INTEGER NOT NULL
)`

const SeedWatermarkSequenceSQL = `INSERT OR IGNORE INTO watermark_sequence (id, value) VALUES (1, 0)`

// CreateStudiesTableSQL creates the study table with the core study-level attributes.
const CreateStudiesTableSQL = `
CREATE TABLE IF NOT EXISTS studies (
    study_key INTEGER PRIMARY KEY AUTOINCREMENT,
    partition_key INTEGER NOT NULL,
    study_uid TEXT NOT NULL,
    patient_id TEXT,
    patient_name TEXT,
    referring_physician_name TEXT,
    study_date INTEGER,
    study_description TEXT,
    accession_number TEXT,
    patient_birth_date INTEGER,
    UNIQUE (partition_key, study_uid)
)`

// CreateSeriesTableSQL creates the series table with the core series-level attributes.
const CreateSeriesTableSQL = `
CREATE TABLE IF NOT EXISTS series (
    series_key INTEGER PRIMARY KEY AUTOINCREMENT,
    study_key INTEGER NOT NULL REFERENCES studies(study_key),
    partition_key INTEGER NOT NULL,
    series_uid TEXT NOT NULL,
    modality TEXT,
    performed_procedure_step_start_date INTEGER,
    manufacturer_model_name TEXT,
    UNIQUE (study_key, series_uid)
)`

// CreateInstancesTableSQL creates the instance version table.
// status: 0 = Creating, 1 = Created, 2 = SoftDeleted.
const CreateInstancesTableSQL = `
CREATE TABLE IF NOT EXISTS instances (
    instance_key INTEGER PRIMARY KEY AUTOINCREMENT,
    study_key INTEGER NOT NULL REFERENCES studies(study_key),
    series_key INTEGER NOT NULL REFERENCES series(series_key),
    partition_key INTEGER NOT NULL,
    study_uid TEXT NOT NULL,
    series_uid TEXT NOT NULL,
    sop_uid TEXT NOT NULL,
    watermark INTEGER NOT NULL UNIQUE,
    original_watermark INTEGER,
    status INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    last_status_update INTEGER NOT NULL
)`

// CreateInstancesIndexesSQL creates the instance indexes. The partial unique
// index allows at most one live (Creating or Created) row per identity.
var CreateInstancesIndexesSQL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_instances_live_identity
		ON instances(partition_key, study_uid, series_uid, sop_uid) WHERE status IN (0, 1)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_status_watermark ON instances(status, watermark)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_series ON instances(series_key, status)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_study ON instances(study_key, status)`,
}

// CreateDeletedInstancesTableSQL creates the purge queue for soft-deleted instances.
const CreateDeletedInstancesTableSQL = `
CREATE TABLE IF NOT EXISTS deleted_instances (
    watermark INTEGER PRIMARY KEY,
    partition_key INTEGER NOT NULL,
    study_uid TEXT NOT NULL,
    series_uid TEXT NOT NULL,
    sop_uid TEXT NOT NULL,
    deleted_at INTEGER NOT NULL,
    cleanup_after INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0
)`

var CreateDeletedInstancesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_deleted_instances_due ON deleted_instances(retry_count, cleanup_after)`,
}

// CreateExtendedQueryTagsTableSQL creates the extended query tag definitions.
// tag_status: 0 = Adding, 1 = Reindexing, 2 = Ready, 3 = Deleted.
const CreateExtendedQueryTagsTableSQL = `
CREATE TABLE IF NOT EXISTS extended_query_tags (
    tag_key INTEGER PRIMARY KEY AUTOINCREMENT,
    tag_path TEXT NOT NULL,
    tag_vr TEXT NOT NULL,
    tag_private_creator TEXT,
    tag_level INTEGER NOT NULL,
    tag_status INTEGER NOT NULL,
    query_status INTEGER NOT NULL DEFAULT 1,
    error_count INTEGER NOT NULL DEFAULT 0,
    operation_id TEXT,
    created_at INTEGER NOT NULL
)`

var CreateExtendedQueryTagsIndexesSQL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_extended_query_tags_path
		ON extended_query_tags(tag_path) WHERE tag_status <> 3`,
	`CREATE INDEX IF NOT EXISTS idx_extended_query_tags_operation ON extended_query_tags(operation_id)`,
}

// CreateExtendedQueryTagErrorsTableSQL records values that failed extraction,
// one row per (tag, instance version).
const CreateExtendedQueryTagErrorsTableSQL = `
CREATE TABLE IF NOT EXISTS extended_query_tag_errors (
    tag_key INTEGER NOT NULL,
    watermark INTEGER NOT NULL,
    error_code TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (tag_key, watermark)
)`

// Extended query tag value tables, one per stored value type.
const (
	tableString     = "ext_string"
	tableLong       = "ext_long"
	tableDouble     = "ext_double"
	tableDateTime   = "ext_datetime"
	tablePersonName = "ext_person_name"
)

var valueTables = []struct {
	name    string
	sqlType string
}{
	{tableString, "TEXT"},
	{tableLong, "INTEGER"},
	{tableDouble, "REAL"},
	{tableDateTime, "INTEGER"},
	{tablePersonName, "TEXT"},
}

// valueTableSQL returns the DDL for a value table. Keys that do not apply at
// the tag's level are stored as 0 so the primary key stays unique.
func valueTableSQL(name, sqlType string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    tag_key INTEGER NOT NULL,
    study_key INTEGER NOT NULL,
    series_key INTEGER NOT NULL DEFAULT 0,
    instance_key INTEGER NOT NULL DEFAULT 0,
    partition_key INTEGER NOT NULL,
    tag_value %s NOT NULL,
    watermark INTEGER NOT NULL,
    PRIMARY KEY (tag_key, study_key, series_key, instance_key)
)`, name, sqlType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_value ON %s(tag_key, tag_value)`, name, name),
	}
}

// CreateReindexOperationsTableSQL records reindex operations and their ceiling.
// status: 0 = Running, 1 = Completed, 2 = Failed, 3 = Canceled.
const CreateReindexOperationsTableSQL = `
CREATE TABLE IF NOT EXISTS reindex_operations (
    operation_id TEXT PRIMARY KEY,
    status INTEGER NOT NULL,
    tag_keys TEXT NOT NULL,
    ceiling_watermark INTEGER NOT NULL,
    batch_size INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    failure TEXT
)`

// CreateReindexBatchesTableSQL records per-batch progress of an operation.
// status: 0 = Pending, 1 = Completed, 2 = Failed.
const CreateReindexBatchesTableSQL = `
CREATE TABLE IF NOT EXISTS reindex_batches (
    operation_id TEXT NOT NULL REFERENCES reindex_operations(operation_id),
    start_watermark INTEGER NOT NULL,
    end_watermark INTEGER NOT NULL,
    status INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (operation_id, start_watermark)
)`

// CreateChangeFeedTableSQL creates the append-only change feed.
// action: 0 = Create, 1 = Update, 2 = Delete.
const CreateChangeFeedTableSQL = `
CREATE TABLE IF NOT EXISTS change_feed (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    action INTEGER NOT NULL,
    partition_key INTEGER NOT NULL,
    study_uid TEXT NOT NULL,
    series_uid TEXT NOT NULL,
    sop_uid TEXT NOT NULL,
    original_watermark INTEGER NOT NULL,
    current_watermark INTEGER
)`

var CreateChangeFeedIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_change_feed_timestamp ON change_feed(timestamp, sequence)`,
	`CREATE INDEX IF NOT EXISTS idx_change_feed_identity
		ON change_feed(partition_key, study_uid, series_uid, sop_uid, sequence)`,
}

// CreateChangeFeedCursorsTableSQL stores named consumer positions in the feed.
const CreateChangeFeedCursorsTableSQL = `
CREATE TABLE IF NOT EXISTS change_feed_cursors (
    name TEXT PRIMARY KEY,
    sequence INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// AllSchemaSQL returns all schema creation statements in order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateWatermarkSequenceSQL,
		SeedWatermarkSequenceSQL,
		CreateStudiesTableSQL,
		CreateSeriesTableSQL,
		CreateInstancesTableSQL,
	}
	stmts = append(stmts, CreateInstancesIndexesSQL...)
	stmts = append(stmts, CreateDeletedInstancesTableSQL)
	stmts = append(stmts, CreateDeletedInstancesIndexesSQL...)
	stmts = append(stmts, CreateExtendedQueryTagsTableSQL)
	stmts = append(stmts, CreateExtendedQueryTagsIndexesSQL...)
	stmts = append(stmts, CreateExtendedQueryTagErrorsTableSQL)
	for _, t := range valueTables {
		stmts = append(stmts, valueTableSQL(t.name, t.sqlType)...)
	}
	stmts = append(stmts, CreateReindexOperationsTableSQL, CreateReindexBatchesTableSQL)
	stmts = append(stmts, CreateChangeFeedTableSQL)
	stmts = append(stmts, CreateChangeFeedIndexesSQL...)
	stmts = append(stmts, CreateChangeFeedCursorsTableSQL)
	return stmts
}
