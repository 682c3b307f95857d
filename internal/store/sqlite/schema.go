package sqlite

// Schema for the embedded document store. The database holds the index
// catalog, alias bindings, every document, and server-side scroll state.

// CreateIndicesTableSQL creates the physical index catalog.
const CreateIndicesTableSQL = `
CREATE TABLE IF NOT EXISTS indices (
    name TEXT PRIMARY KEY,
    mappings TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateAliasesTableSQL creates alias bindings. An alias may point at several
// indices; writes through such an alias are rejected.
const CreateAliasesTableSQL = `
CREATE TABLE IF NOT EXISTS aliases (
    alias TEXT NOT NULL,
    index_name TEXT NOT NULL,
    PRIMARY KEY (alias, index_name),
    FOREIGN KEY (index_name) REFERENCES indices(name) ON DELETE CASCADE
)`

// CreateDocumentsTableSQL creates the document table. seq orders documents
// for cursors and is stable across in-place updates.
const CreateDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS documents (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    index_name TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    doc_type TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL,
    parent TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL,
    UNIQUE (index_name, doc_id),
    FOREIGN KEY (index_name) REFERENCES indices(name) ON DELETE CASCADE
)`

// CreateScrollsTableSQL creates server-side cursor state with keep-alive expiry.
const CreateScrollsTableSQL = `
CREATE TABLE IF NOT EXISTS scrolls (
    scroll_id TEXT PRIMARY KEY,
    index_names TEXT NOT NULL,
    filter_field TEXT NOT NULL DEFAULT '',
    filter_from INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
)`

// CreateStoreIndexesSQL creates secondary indexes.
var CreateStoreIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_documents_scan ON documents(index_name, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_aliases_index ON aliases(index_name)`,
	`CREATE INDEX IF NOT EXISTS idx_scrolls_expiry ON scrolls(expires_at)`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateIndicesTableSQL,
		CreateAliasesTableSQL,
		CreateDocumentsTableSQL,
		CreateScrollsTableSQL,
	}
	statements = append(statements, CreateStoreIndexesSQL...)
	return statements
}
