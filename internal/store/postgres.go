package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"charter/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports a Postgres foreign_key_violation (23503).
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *PostgresStore) withTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", name, err)
	}
	return nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, proposalID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET version = version + 1 WHERE id=$1`, proposalID)
	if err != nil {
		return fmt.Errorf("bump proposal version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ErrStale is returned by guarded writes when the proposal or its workflow
// changed after the caller read it.
var ErrStale = errors.New("proposal changed since it was read")

// lockProposal holds the proposal row for the rest of tx and checks that it
// is still at the version the caller planned against.
func lockProposal(ctx context.Context, tx *sql.Tx, proposalID string, version int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM proposals WHERE id=$1 FOR UPDATE`, proposalID).Scan(&current)
	if err != nil {
		return err
	}
	if current != version {
		return ErrStale
	}
	return nil
}

func lockWorkflow(ctx context.Context, tx *sql.Tx, workflowID string, version int64) error {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM workflows WHERE id=$1 FOR SHARE`, workflowID).Scan(&current)
	if err != nil {
		return err
	}
	if current != version {
		return ErrStale
	}
	return nil
}

func (g SyncGuard) check(ctx context.Context, tx *sql.Tx, proposalID string) error {
	if err := lockProposal(ctx, tx, proposalID, g.ProposalVersion); err != nil {
		return err
	}
	if g.WorkflowID == "" {
		return nil
	}
	return lockWorkflow(ctx, tx, g.WorkflowID, g.WorkflowVersion)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, LOWER($2), $3, $4)
	`, user.ID, strings.TrimSpace(user.Email), user.DisplayName, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at FROM users WHERE email=LOWER($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UserNames maps user ids to display names.
func (s *PostgresStore) UserNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list user names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan user name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Email, &user.DisplayName)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateSpace(ctx context.Context, space Space, ownerID string) error {
	return s.withTx(ctx, "create space", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO spaces (id, name) VALUES ($1, $2)`, space.ID, space.Name); err != nil {
			return fmt.Errorf("insert space: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO space_members (space_id, user_id, role) VALUES ($1, $2, 'admin')
		`, space.ID, ownerID); err != nil {
			return fmt.Errorf("insert space owner: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	var space Space
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM spaces WHERE id=$1`, spaceID).
		Scan(&space.ID, &space.Name, &space.CreatedAt)
	if err != nil {
		return Space{}, err
	}
	return space, nil
}

func (s *PostgresStore) UpsertSpaceMember(ctx context.Context, spaceID, userID string, role rbac.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_members (space_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (space_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, spaceID, userID, string(role))
	if err != nil {
		return fmt.Errorf("upsert space member: %w", err)
	}
	return nil
}

// GetMembership returns the user's standing in a space. Non-members get
// rbac.RoleNone and no error.
func (s *PostgresStore) GetMembership(ctx context.Context, spaceID, userID string) (Membership, error) {
	m := Membership{SpaceID: spaceID, UserID: userID, RoleIDs: []string{}}
	if userID == "" {
		return m, nil
	}
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM space_members WHERE space_id=$1 AND user_id=$2`, spaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	if err != nil {
		return Membership{}, fmt.Errorf("read space role: %w", err)
	}
	m.SpaceRole = rbac.Normalize(role)

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id FROM roles r
		JOIN role_members rm ON rm.role_id = r.id
		WHERE r.space_id=$1 AND rm.user_id=$2
		ORDER BY r.id
	`, spaceID, userID)
	if err != nil {
		return Membership{}, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Membership{}, fmt.Errorf("scan user role: %w", err)
		}
		m.RoleIDs = append(m.RoleIDs, id)
	}
	return m, rows.Err()
}

func (s *PostgresStore) CreateRole(ctx context.Context, role Role) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO roles (id, space_id, name) VALUES ($1, $2, $3)`, role.ID, role.SpaceID, role.Name)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *PostgresStore) AssignRole(ctx context.Context, roleID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_members (role_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, roleID, userID)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRoles(ctx context.Context, spaceID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, space_id, name FROM roles WHERE space_id=$1 ORDER BY name`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()
	roles := []Role{}
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.SpaceID, &r.Name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
