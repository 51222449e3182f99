package store

import (
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// schemaDDL creates every table when absent. Migrations are additive
// only: new columns arrive through migrations below, never by altering
// these statements destructively.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    path           TEXT NOT NULL UNIQUE,
    title          TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL DEFAULT '',
    category       TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL DEFAULT '',
    content_hash   TEXT NOT NULL DEFAULT '',
    token_estimate INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS headings (
    document_id  INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal      INTEGER NOT NULL,
    level        INTEGER NOT NULL,
    heading_text TEXT NOT NULL,
    anchor       TEXT NOT NULL,
    PRIMARY KEY (document_id, ordinal)
);

CREATE TABLE IF NOT EXISTS links (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id   INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    source_anchor TEXT NOT NULL DEFAULT '',
    target        TEXT NOT NULL,
    is_external   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'unknown',
    checked_at    TEXT
);

CREATE TABLE IF NOT EXISTS tags (
    id   INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS document_tags (
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    tag_id      INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (document_id, tag_id)
);

CREATE TABLE IF NOT EXISTS concepts (
    id   INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS document_concepts (
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    concept_id  INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    score       REAL NOT NULL DEFAULT 1.0,
    PRIMARY KEY (document_id, concept_id)
);

CREATE TABLE IF NOT EXISTS document_chunks (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id    INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal        INTEGER NOT NULL,
    heading_path   TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL,
    token_estimate INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS embeddings (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_type   TEXT NOT NULL CHECK (owner_type IN ('document', 'chunk')),
    owner_id     INTEGER NOT NULL,
    vector       BLOB NOT NULL,
    dimension    INTEGER NOT NULL,
    backend      TEXT NOT NULL,
    generated_at TEXT NOT NULL,
    UNIQUE (owner_type, owner_id)
);

CREATE TABLE IF NOT EXISTS query_cache (
    query_hash          TEXT PRIMARY KEY,
    result_document_ids TEXT NOT NULL,
    created_at          TEXT NOT NULL,
    last_accessed       TEXT NOT NULL,
    hit_count           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    path            TEXT NOT NULL,
    kind            TEXT NOT NULL CHECK (kind IN ('create', 'modify', 'move', 'delete')),
    new_path        TEXT NOT NULL DEFAULT '',
    enqueued_at_ms  INTEGER NOT NULL,
    next_attempt_ms INTEGER NOT NULL DEFAULT 0,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'in_flight', 'done', 'failed')),
    last_error      TEXT NOT NULL DEFAULT '',
    processed_at    TEXT
);

CREATE TABLE IF NOT EXISTS state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);
CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category);
CREATE INDEX IF NOT EXISTS idx_headings_document ON headings(document_id);
CREATE INDEX IF NOT EXISTS idx_links_document ON links(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_owner ON embeddings(owner_type, owner_id);
CREATE INDEX IF NOT EXISTS idx_events_status_path ON events(status, path);
`

// migrations are applied in order after the base DDL; each must be
// idempotent or guarded by the column check in migrate.
var migrations = []struct {
	table, column, ddl string
}{
	{"documents", "category", "ALTER TABLE documents ADD COLUMN category TEXT NOT NULL DEFAULT ''"},
	{"documents", "content", "ALTER TABLE documents ADD COLUMN content TEXT NOT NULL DEFAULT ''"},
	{"events", "next_attempt_ms", "ALTER TABLE events ADD COLUMN next_attempt_ms INTEGER NOT NULL DEFAULT 0"},
}

// migrate creates the schema and applies additive migrations. Safe to
// run on every open; init-db never destroys existing data.
func (s *Store) migrate() error {
	const op = "store.migrate"

	if _, err := s.writeDB.Exec(schemaDDL); err != nil {
		return mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}

	for _, m := range migrations {
		has, err := s.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := s.writeDB.Exec(m.ddl); err != nil {
			return mkerrors.Wrapf(mkerrors.KindFatal, op, err, "migrate %s.%s", m.table, m.column)
		}
	}
	return nil
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	const op = "store.hasColumn"

	rows, err := s.writeDB.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, mkerrors.Wrap(mkerrors.KindFatal, op, err)
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
