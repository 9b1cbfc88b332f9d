package fs

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// schemaVersion guards schema evolution. Bump it when the DDL below changes.
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	path          TEXT    NOT NULL UNIQUE,
	name          TEXT    NOT NULL,
	parent_id     INTEGER REFERENCES files(id) ON DELETE CASCADE,
	type          TEXT    NOT NULL CHECK (type IN ('file', 'directory', 'symlink')),
	mode          INTEGER NOT NULL,
	uid           INTEGER NOT NULL DEFAULT 0,
	gid           INTEGER NOT NULL DEFAULT 0,
	size          INTEGER NOT NULL DEFAULT 0,
	blob_id       TEXT,
	target        TEXT,
	tier          TEXT    NOT NULL DEFAULT 'hot' CHECK (tier IN ('hot', 'warm', 'cold')),
	atime_ms      INTEGER NOT NULL,
	mtime_ms      INTEGER NOT NULL,
	ctime_ms      INTEGER NOT NULL,
	birthtime_ms  INTEGER NOT NULL,
	nlink         INTEGER NOT NULL DEFAULT 1 CHECK (nlink >= 1)
);
CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_id);
CREATE INDEX IF NOT EXISTS idx_files_tier ON files(tier);

CREATE TABLE IF NOT EXISTS blobs (
	id          TEXT PRIMARY KEY,
	data        BLOB,
	size        INTEGER NOT NULL,
	checksum    TEXT    NOT NULL,
	tier        TEXT    NOT NULL CHECK (tier IN ('hot', 'warm', 'cold')),
	refcount    INTEGER NOT NULL DEFAULT 1 CHECK (refcount >= 0),
	created_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blobs_tier ON blobs(tier);

CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL);
`

// querier is satisfied by both *sql.DB and *sql.Tx so every metadata helper
// can run inside or outside an explicit transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// metadataStore wraps the sqlite database holding the files and blobs tables.
// The schema is created lazily: no DDL runs until the first operation.
type metadataStore struct {
	db *sql.DB

	initOnce sync.Once
	initErr  error
}

// openMetadataStore opens (but does not initialize) the database at path.
// ":memory:" is accepted for tests.
func openMetadataStore(path string) (*metadataStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		// WAL makes no sense in memory, but referential integrity must match
		// the on-disk behavior
		dsn = path + "?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// the engine is a single-writer execution domain; one connection
	// serializes all access and keeps in-memory databases coherent
	db.SetMaxOpenConns(1)
	return &metadataStore{db: db}, nil
}

// ensureInit idempotently creates the schema and the root directory row on
// first touch.
func (m *metadataStore) ensureInit() error {
	m.initOnce.Do(func() {
		if _, err := m.db.Exec(schemaDDL); err != nil {
			m.initErr = err
			return
		}
		var version int
		err := m.db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := m.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion); err != nil {
				m.initErr = err
				return
			}
		case err != nil:
			m.initErr = err
			return
		case version != schemaVersion:
			log.Warn().
				Int("found", version).
				Int("expected", schemaVersion).
				Msg("Metadata schema version mismatch.")
		}

		// root directory, mode 0755, nlink 2 ("." and its name)
		now := nowMs()
		_, err = m.db.Exec(`
			INSERT INTO files (path, name, parent_id, type, mode, size, tier,
				atime_ms, mtime_ms, ctime_ms, birthtime_ms, nlink)
			VALUES ('/', '/', NULL, 'directory', ?, 0, 'hot', ?, ?, ?, ?, 2)
			ON CONFLICT(path) DO NOTHING`,
			0o755, now, now, now, now)
		if err != nil {
			m.initErr = err
		}
	})
	return m.initErr
}

func (m *metadataStore) close() error {
	return m.db.Close()
}

const inodeColumns = `id, path, name, parent_id, type, mode, uid, gid, size,
	blob_id, target, tier, atime_ms, mtime_ms, ctime_ms, birthtime_ms, nlink`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInode(row rowScanner) (*Inode, error) {
	var (
		i      Inode
		parent sql.NullInt64
		blob   sql.NullString
		target sql.NullString
	)
	err := row.Scan(&i.ID, &i.Path, &i.Name, &parent, &i.Type, &i.Mode,
		&i.UID, &i.GID, &i.Size, &blob, &target, &i.Tier,
		&i.Atime, &i.Mtime, &i.Ctime, &i.Birthtime, &i.Nlink)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		v := parent.Int64
		i.ParentID = &v
	}
	i.BlobID = blob.String
	i.Target = target.String
	return &i, nil
}

// inodeByPath fetches an inode row by its normalized path. Returns ENOENT if
// no row exists.
func inodeByPath(q querier, path string) (*Inode, error) {
	row := q.QueryRow(`SELECT `+inodeColumns+` FROM files WHERE path = ?`, path)
	inode, err := scanInode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound(path)
	}
	return inode, err
}

// inodeByID fetches an inode row by its integer id.
func inodeByID(q querier, id int64) (*Inode, error) {
	row := q.QueryRow(`SELECT `+inodeColumns+` FROM files WHERE id = ?`, id)
	inode, err := scanInode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("")
	}
	return inode, err
}

// insertInode adds a row and returns the assigned id.
func insertInode(q querier, i *Inode) (int64, error) {
	var parent any
	if i.ParentID != nil {
		parent = *i.ParentID
	}
	res, err := q.Exec(`
		INSERT INTO files (path, name, parent_id, type, mode, uid, gid, size,
			blob_id, target, tier, atime_ms, mtime_ms, ctime_ms, birthtime_ms, nlink)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.Path, i.Name, parent, i.Type, i.Mode, i.UID, i.GID, i.Size,
		nullable(i.BlobID), nullable(i.Target), i.Tier,
		i.Atime, i.Mtime, i.Ctime, i.Birthtime, i.Nlink)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// childrenOf lists the direct children of a directory, ordered by name.
func childrenOf(q querier, parentID int64) ([]*Inode, error) {
	rows, err := q.Query(`SELECT `+inodeColumns+` FROM files WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var children []*Inode
	for rows.Next() {
		inode, err := scanInode(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, inode)
	}
	return children, rows.Err()
}

// childCount reports how many rows name the given directory as parent.
func childCount(q querier, parentID int64) (int, error) {
	var n int
	err := q.QueryRow(`SELECT COUNT(*) FROM files WHERE parent_id = ?`, parentID).Scan(&n)
	return n, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
