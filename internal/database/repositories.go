package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tenebrinet/internal/event"
)

// AttackRepository handles attack record operations.
type AttackRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAttackRepository creates a new attack repository.
func NewAttackRepository(db *DB, logger *zap.Logger) *AttackRepository {
	return &AttackRepository{db: db, logger: logger}
}

// Save inserts an attack record. Inserts are keyed on the fingerprint's
// unique constraint: saving the same attack twice is a no-op, and the
// return value reports whether this call actually inserted the row.
func (r *AttackRepository) Save(ctx context.Context, attack *event.Attack) (bool, error) {
	query := `
		INSERT OR IGNORE INTO attacks
			(id, fingerprint, source_ip, timestamp, service, payload, category, confidence, country, asn)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if r.db.driver == "postgres" {
		query = `
			INSERT INTO attacks
				(id, fingerprint, source_ip, timestamp, service, payload, category, confidence, country, asn)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (fingerprint) DO NOTHING
		`
	}

	result, err := r.db.Execute(ctx, query,
		attack.ID,
		attack.Fingerprint,
		attack.SourceIP,
		attack.Timestamp,
		string(attack.Service),
		attack.Payload,
		string(attack.Category),
		attack.Confidence,
		attack.Country,
		attack.ASN,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save attack: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindByFingerprint retrieves the attack recorded for a fingerprint, or
// ErrNotFound.
func (r *AttackRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*event.Attack, error) {
	query := `
		SELECT id, fingerprint, source_ip, timestamp, service, payload, category, confidence, country, asn
		FROM attacks
		WHERE fingerprint = ?
	`
	if r.db.driver == "postgres" {
		query = `
			SELECT id, fingerprint, source_ip, timestamp, service, payload, category, confidence, country, asn
			FROM attacks
			WHERE fingerprint = $1
		`
	}

	return r.scanAttack(r.db.QueryRow(ctx, query, fingerprint))
}

// AttachEnrichment fills in country and ASN on an existing attack record.
// Enrichment is the only mutation an attack record ever receives.
func (r *AttackRepository) AttachEnrichment(ctx context.Context, attackID string, country *string, asn *int) error {
	query := `UPDATE attacks SET country = ?, asn = ? WHERE id = ?`
	if r.db.driver == "postgres" {
		query = `UPDATE attacks SET country = $1, asn = $2 WHERE id = $3`
	}

	result, err := r.db.Execute(ctx, query, country, asn, attackID)
	if err != nil {
		return fmt.Errorf("failed to attach enrichment: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the newest attacks, most recent first.
func (r *AttackRepository) ListRecent(ctx context.Context, limit int) ([]*event.Attack, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, fingerprint, source_ip, timestamp, service, payload, category, confidence, country, asn
		FROM attacks
		ORDER BY timestamp DESC
		LIMIT ?
	`
	if r.db.driver == "postgres" {
		query = `
			SELECT id, fingerprint, source_ip, timestamp, service, payload, category, confidence, country, asn
			FROM attacks
			ORDER BY timestamp DESC
			LIMIT $1
		`
	}

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attacks: %w", err)
	}
	defer rows.Close()

	var attacks []*event.Attack
	for rows.Next() {
		attack, err := r.scanAttackRows(rows)
		if err != nil {
			return nil, err
		}
		attacks = append(attacks, attack)
	}
	return attacks, rows.Err()
}

// CountByCategory returns the number of recorded attacks per threat
// category since the given time.
func (r *AttackRepository) CountByCategory(ctx context.Context, since time.Time) (map[event.ThreatCategory]int64, error) {
	query := `
		SELECT category, COUNT(*)
		FROM attacks
		WHERE timestamp >= ?
		GROUP BY category
	`
	if r.db.driver == "postgres" {
		query = `
			SELECT category, COUNT(*)
			FROM attacks
			WHERE timestamp >= $1
			GROUP BY category
		`
	}

	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count attacks: %w", err)
	}
	defer rows.Close()

	counts := make(map[event.ThreatCategory]int64)
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		counts[event.ThreatCategory(category)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AttackRepository) scanAttack(row *sql.Row) (*event.Attack, error) {
	attack, err := scanAttackFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return attack, err
}

func (r *AttackRepository) scanAttackRows(rows *sql.Rows) (*event.Attack, error) {
	return scanAttackFrom(rows)
}

func scanAttackFrom(s rowScanner) (*event.Attack, error) {
	attack := &event.Attack{}
	var service, category string
	if err := s.Scan(
		&attack.ID,
		&attack.Fingerprint,
		&attack.SourceIP,
		&attack.Timestamp,
		&service,
		&attack.Payload,
		&category,
		&attack.Confidence,
		&attack.Country,
		&attack.ASN,
	); err != nil {
		return nil, err
	}
	attack.Service = event.Service(service)
	attack.Category = event.ThreatCategory(category)
	return attack, nil
}

// SessionRepository handles session record operations.
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger}
}

// Save inserts a session record, ignoring duplicates on the deterministic
// primary key.
func (r *SessionRepository) Save(ctx context.Context, session *event.Session) error {
	commands, err := json.Marshal(session.Commands)
	if err != nil {
		return fmt.Errorf("failed to encode commands: %w", err)
	}

	query := `
		INSERT OR IGNORE INTO sessions (id, attack_id, start_time, end_time, commands)
		VALUES (?, ?, ?, ?, ?)
	`
	if r.db.driver == "postgres" {
		query = `
			INSERT INTO sessions (id, attack_id, start_time, end_time, commands)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`
	}

	_, err = r.db.Execute(ctx, query,
		session.ID,
		session.AttackID,
		session.StartTime,
		session.EndTime,
		commands,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByAttack retrieves the session for an attack, or ErrNotFound.
func (r *SessionRepository) FindByAttack(ctx context.Context, attackID string) (*event.Session, error) {
	query := `
		SELECT id, attack_id, start_time, end_time, commands
		FROM sessions
		WHERE attack_id = ?
	`
	if r.db.driver == "postgres" {
		query = `
			SELECT id, attack_id, start_time, end_time, commands
			FROM sessions
			WHERE attack_id = $1
		`
	}

	session := &event.Session{}
	var commands []byte
	err := r.db.QueryRow(ctx, query, attackID).Scan(
		&session.ID,
		&session.AttackID,
		&session.StartTime,
		&session.EndTime,
		&commands,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(commands) > 0 {
		if err := json.Unmarshal(commands, &session.Commands); err != nil {
			return nil, fmt.Errorf("failed to decode commands: %w", err)
		}
	}
	return session, nil
}

// CredentialRepository handles credential record operations.
type CredentialRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *DB, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, logger: logger}
}

// Save inserts a credential record, ignoring duplicates on the
// deterministic primary key.
func (r *CredentialRepository) Save(ctx context.Context, cred *event.Credential) error {
	query := `
		INSERT OR IGNORE INTO credentials (id, attack_id, username, password, success)
		VALUES (?, ?, ?, ?, ?)
	`
	if r.db.driver == "postgres" {
		query = `
			INSERT INTO credentials (id, attack_id, username, password, success)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`
	}

	_, err := r.db.Execute(ctx, query,
		cred.ID,
		cred.AttackID,
		cred.Username,
		cred.Password,
		cred.Success,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// ListByAttack retrieves all credentials captured for an attack.
func (r *CredentialRepository) ListByAttack(ctx context.Context, attackID string) ([]*event.Credential, error) {
	query := `
		SELECT id, attack_id, username, password, success
		FROM credentials
		WHERE attack_id = ?
		ORDER BY id
	`
	if r.db.driver == "postgres" {
		query = `
			SELECT id, attack_id, username, password, success
			FROM credentials
			WHERE attack_id = $1
			ORDER BY id
		`
	}

	rows, err := r.db.Query(ctx, query, attackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*event.Credential
	for rows.Next() {
		cred := &event.Credential{}
		if err := rows.Scan(&cred.ID, &cred.AttackID, &cred.Username, &cred.Password, &cred.Success); err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}
