package persist

import (
	"context"

	"go.uber.org/zap"

	"tenebrinet/internal/database"
	"tenebrinet/internal/event"
)

// SQLStore adapts the database repositories to the coordinator's Store
// interface.
type SQLStore struct {
	attacks     *database.AttackRepository
	sessions    *database.SessionRepository
	credentials *database.CredentialRepository
}

// NewSQLStore wires the repositories over one database connection.
func NewSQLStore(db *database.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{
		attacks:     database.NewAttackRepository(db, logger),
		sessions:    database.NewSessionRepository(db, logger),
		credentials: database.NewCredentialRepository(db, logger),
	}
}

func (s *SQLStore) SaveAttack(ctx context.Context, attack *event.Attack) (bool, error) {
	return s.attacks.Save(ctx, attack)
}

func (s *SQLStore) SaveSession(ctx context.Context, session *event.Session) error {
	return s.sessions.Save(ctx, session)
}

func (s *SQLStore) SaveCredential(ctx context.Context, cred *event.Credential) error {
	return s.credentials.Save(ctx, cred)
}

func (s *SQLStore) FindByFingerprint(ctx context.Context, fingerprint string) (*event.Attack, error) {
	return s.attacks.FindByFingerprint(ctx, fingerprint)
}

func (s *SQLStore) AttachEnrichment(ctx context.Context, attackID string, country *string, asn *int) error {
	return s.attacks.AttachEnrichment(ctx, attackID, country, asn)
}

// Attacks exposes the attack repository for the query surface.
func (s *SQLStore) Attacks() *database.AttackRepository { return s.attacks }
