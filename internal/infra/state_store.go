package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/YasinmkDev/IPE-Project-app/internal/domain"
)

const stateDBName = "guardian_state.db"

// Settings keys. The blocked-app set is stored comma-joined under one
// key, matching what the platform layer expects to read back.
const (
	keyChildID      = "child_id"
	keyAdminGranted = "admin_enabled"
	keyBlockedApps  = "blocked_apps"
	keyBinarySum    = "binary_sha256"
)

// EncryptedStateStore implements domain.StateStore on a SQLCipher
// database, so the blocklist and child identity survive restarts and
// device boots without being readable off-device.
type EncryptedStateStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStateStore opens (or creates) the encrypted state database.
// The key is applied as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStateStore(dataDir string, key []byte) (*EncryptedStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedStateStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedStateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		child_id TEXT NOT NULL,
		rooted INTEGER NOT NULL,
		debugger INTEGER NOT NULL,
		emulator INTEGER NOT NULL,
		invalid_signature INTEGER NOT NULL,
		usb_debugging INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *EncryptedStateStore) getSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *EncryptedStateStore) setSetting(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// ChildID returns the stored child identifier, empty when unlinked.
func (s *EncryptedStateStore) ChildID() (string, error) {
	return s.getSetting(keyChildID)
}

// SetChildID stores the child identifier.
func (s *EncryptedStateStore) SetChildID(id string) error {
	return s.setSetting(keyChildID, id)
}

// AdminGranted returns the persisted device-admin grant flag.
func (s *EncryptedStateStore) AdminGranted() (bool, error) {
	v, err := s.getSetting(keyAdminGranted)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetAdminGranted persists the device-admin grant flag.
func (s *EncryptedStateStore) SetAdminGranted(granted bool) error {
	v := "false"
	if granted {
		v = "true"
	}
	return s.setSetting(keyAdminGranted, v)
}

// BlockedApps returns the persisted blocked package identifiers.
func (s *EncryptedStateStore) BlockedApps() ([]string, error) {
	joined, err := s.getSetting(keyBlockedApps)
	if err != nil {
		return nil, err
	}
	if joined == "" {
		return nil, nil
	}
	parts := strings.Split(joined, ",")
	apps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			apps = append(apps, p)
		}
	}
	return apps, nil
}

// SaveBlockedApps replaces the persisted blocked package set.
func (s *EncryptedStateStore) SaveBlockedApps(pkgs []string) error {
	return s.setSetting(keyBlockedApps, strings.Join(pkgs, ","))
}

// BinaryChecksum returns the recorded agent binary checksum, empty
// before first install.
func (s *EncryptedStateStore) BinaryChecksum() (string, error) {
	return s.getSetting(keyBinarySum)
}

// SetBinaryChecksum records the agent binary checksum for the signature
// posture check.
func (s *EncryptedStateStore) SetBinaryChecksum(sum string) error {
	return s.setSetting(keyBinarySum, sum)
}

// AppendIncident persists one security incident record.
func (s *EncryptedStateStore) AppendIncident(inc domain.SecurityIncident) error {
	_, err := s.db.Exec(`
		INSERT INTO incidents (id, ts, child_id, rooted, debugger, emulator, invalid_signature, usb_debugging)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Timestamp.Unix(), inc.ChildID,
		boolInt(inc.Verdict.Rooted), boolInt(inc.Verdict.DebuggerAttached),
		boolInt(inc.Verdict.Emulator), boolInt(inc.Verdict.InvalidSignature),
		boolInt(inc.Verdict.USBDebuggingEnabled))
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// RecentIncidents returns up to n incidents, newest first.
func (s *EncryptedStateStore) RecentIncidents(n int) ([]domain.SecurityIncident, error) {
	rows, err := s.db.Query(`
		SELECT id, ts, child_id, rooted, debugger, emulator, invalid_signature, usb_debugging
		FROM incidents ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []domain.SecurityIncident
	for rows.Next() {
		var inc domain.SecurityIncident
		var ts int64
		var rooted, debugger, emulator, invalidSig, usb int
		if err := rows.Scan(&inc.ID, &ts, &inc.ChildID, &rooted, &debugger, &emulator, &invalidSig, &usb); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.Timestamp = time.Unix(ts, 0)
		inc.Verdict = domain.TamperVerdict{
			Rooted:              rooted == 1,
			DebuggerAttached:    debugger == 1,
			Emulator:            emulator == 1,
			InvalidSignature:    invalidSig == 1,
			USBDebuggingEnabled: usb == 1,
		}
		inc.Verdict.Tampered = domain.DeriveTampered(inc.Verdict)
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// Close releases the database connection.
func (s *EncryptedStateStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure EncryptedStateStore implements domain.StateStore.
var _ domain.StateStore = (*EncryptedStateStore)(nil)
