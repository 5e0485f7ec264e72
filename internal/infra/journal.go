package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/packline/brokerd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	journalDBName = "journal.db"

	// defaultJournalRetention caps the journal; older rows are pruned on write.
	defaultJournalRetention = 10000
)

// EncryptedJournal implements domain.Journal using a SQLCipher encrypted
// SQLite database.
type EncryptedJournal struct {
	db        *sql.DB
	dbPath    string
	retention int
	now       func() time.Time
}

// NewEncryptedJournal opens (or creates) the journal in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedJournal(dataDir string, key []byte) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between observers.
	db.SetMaxOpenConns(1)

	// A wrong key only surfaces on first read.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	j := &EncryptedJournal{
		db:        db,
		dbPath:    dbPath,
		retention: defaultJournalRetention,
		now:       time.Now,
	}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}
	return j, nil
}

func (j *EncryptedJournal) createTables() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS status_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		old_state INTEGER NOT NULL,
		new_state INTEGER NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_journal_recorded ON status_journal (recorded_at);
	`)
	return err
}

// Record appends a status change and prunes rows beyond the retention cap.
func (j *EncryptedJournal) Record(change domain.StatusChange) error {
	at := change.At
	if at.IsZero() {
		at = j.now()
	}
	_, err := j.db.Exec(`
		INSERT INTO status_journal (old_state, new_state, address, port, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		int(change.Old), int(change.New), change.Address, change.Port, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record status change: %w", err)
	}

	_, err = j.db.Exec(`
		DELETE FROM status_journal
		WHERE id <= (SELECT MAX(id) FROM status_journal) - ?`, j.retention)
	return err
}

// Recent returns up to limit entries, newest first.
func (j *EncryptedJournal) Recent(limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(`
		SELECT id, old_state, new_state, address, port, recorded_at
		FROM status_journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e        domain.JournalEntry
			old, nw  int
			recorded int64
		)
		if err := rows.Scan(&e.ID, &old, &nw, &e.Address, &e.Port, &recorded); err != nil {
			return nil, err
		}
		e.Old = domain.BrokerState(old)
		e.New = domain.BrokerState(nw)
		e.Recorded = time.UnixMilli(recorded)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (j *EncryptedJournal) Path() string {
	return j.dbPath
}

// Close closes the database connection.
func (j *EncryptedJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// OpenJournal loads (or creates) the key in dataDir and opens the journal.
func OpenJournal(dataDir string) (*EncryptedJournal, error) {
	key, err := NewKeyFile(dataDir).LoadOrCreate()
	if err != nil {
		return nil, err
	}
	return NewEncryptedJournal(dataDir, key)
}

var _ domain.Journal = (*EncryptedJournal)(nil)
