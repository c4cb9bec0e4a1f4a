package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
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

// --- organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org Organization) error {
	planKey := org.PlanKey
	if planKey == "" {
		planKey = "starter"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, plan_key, plan_valid_until, usage)
		VALUES ($1, $2, $3, $4, '{}'::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, org.ID, org.Name, planKey, org.PlanValidUntil)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var org Organization
	var usageRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, plan_key, plan_valid_until, usage, created_at
		FROM organizations
		WHERE id=$1
	`, orgID).Scan(&org.ID, &org.Name, &org.PlanKey, &org.PlanValidUntil, &usageRaw, &org.CreatedAt)
	if err != nil {
		return Organization{}, err
	}
	org.Usage = map[string]int64{}
	if len(usageRaw) > 0 {
		if err := json.Unmarshal(usageRaw, &org.Usage); err != nil {
			return Organization{}, fmt.Errorf("decode usage: %w", err)
		}
	}
	return org, nil
}

func (s *PostgresStore) GetOrganizationPlan(ctx context.Context, orgID string) (string, *time.Time, error) {
	var planKey string
	var validUntil *time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT plan_key, plan_valid_until FROM organizations WHERE id=$1
	`, orgID).Scan(&planKey, &validUntil)
	if err != nil {
		return "", nil, err
	}
	return planKey, validUntil, nil
}

func (s *PostgresStore) SetPlan(ctx context.Context, q Querier, orgID, planKey string, validUntil *time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE organizations SET plan_key=$2, plan_valid_until=$3 WHERE id=$1
	`, orgID, planKey, validUntil)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set plan rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AdjustUsage applies max(0, current+delta) to one usage counter in a
// single conditional update so concurrent adjustments cannot lose
// writes. Run inside a mutator transaction it rolls back with it.
func (s *PostgresStore) AdjustUsage(ctx context.Context, q Querier, orgID, kind string, delta int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE organizations
		SET usage = jsonb_set(
			COALESCE(usage, '{}'::jsonb),
			ARRAY[$2],
			to_jsonb(GREATEST(0::bigint, COALESCE((usage->>$2)::bigint, 0) + $3))
		)
		WHERE id=$1
	`, orgID, kind, delta)
	if err != nil {
		return fmt.Errorf("adjust usage %s: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) ReadUsage(ctx context.Context, orgID, kind string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((usage->>$2)::bigint, 0) FROM organizations WHERE id=$1
	`, orgID, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read usage %s: %w", kind, err)
	}
	return count, nil
}

// --- live recounts (kinds not tracked by the incremental counter) ---

func (s *PostgresStore) CountMembers(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM org_memberships WHERE org_id=$1
	`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountTeams(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM teams WHERE org_id=$1
	`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count teams: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountMatters(ctx context.Context, orgID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM matters WHERE org_id=$1 AND deleted_at IS NULL
	`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count matters: %w", err)
	}
	return count, nil
}

// StorageBytes sums attachment metadata. The blob backend itself is
// external; only sizes are recorded here for plan enforcement.
func (s *PostgresStore) StorageBytes(ctx context.Context, orgID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM attachments WHERE org_id=$1
	`, orgID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum storage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) ListOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return ids, nil
}

// --- users and memberships ---

func (s *PostgresStore) EnsureUserByEmail(ctx context.Context, email, displayName string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE email = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, email).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (email, display_name)
		VALUES ($1, $2)
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, email, displayName).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// ActiveOrgForUser resolves the fallback organization when the session
// does not carry one: the user's oldest membership.
func (s *PostgresStore) ActiveOrgForUser(ctx context.Context, userID string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx, `
		SELECT org_id FROM org_memberships
		WHERE user_id=$1
		ORDER BY created_at
		LIMIT 1
	`, userID).Scan(&orgID)
	if err != nil {
		return "", err
	}
	return orgID, nil
}

func (s *PostgresStore) MemberRole(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM org_memberships WHERE org_id=$1 AND user_id=$2
	`, orgID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "guest", nil
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, q Querier, orgID, userID, role string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO org_memberships (org_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, orgID, userID, role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, q Querier, orgID, userID string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		DELETE FROM org_memberships WHERE org_id=$1 AND user_id=$2
	`, orgID, userID)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove member rows: %w", err)
	}
	return affected > 0, nil
}

// --- teams ---

func (s *PostgresStore) InsertTeam(ctx context.Context, q Querier, team Team) error {
	nextShortID := team.NextShortID
	if nextShortID < 1 {
		nextShortID = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO teams (id, org_id, name, workspace_code, next_short_id)
		VALUES ($1, $2, $3, $4, $5)
	`, team.ID, team.OrgID, team.Name, team.WorkspaceCode, nextShortID)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, teamID string) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, workspace_code, next_short_id, created_at
		FROM teams
		WHERE id=$1
	`, teamID).Scan(&team.ID, &team.OrgID, &team.Name, &team.WorkspaceCode, &team.NextShortID, &team.CreatedAt)
	if err != nil {
		return Team{}, err
	}
	return team, nil
}

// NextShortID allocates the next short ID for a team with a single
// atomic increment, so parallel allocations never hand out the same
// value.
func (s *PostgresStore) NextShortID(ctx context.Context, q Querier, teamID string) (int64, error) {
	var allocated int64
	err := q.QueryRowContext(ctx, `
		UPDATE teams
		SET next_short_id = next_short_id + 1
		WHERE id=$1
		RETURNING next_short_id - 1
	`, teamID).Scan(&allocated)
	if err != nil {
		return 0, fmt.Errorf("allocate short id: %w", err)
	}
	return allocated, nil
}

// RaiseShortIDFloor lifts the team counter so server-side allocations
// never re-issue a value at or below one a client already claimed.
// Never lowers the counter.
func (s *PostgresStore) RaiseShortIDFloor(ctx context.Context, q Querier, teamID string, floor int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE teams SET next_short_id = GREATEST(next_short_id, $2) WHERE id=$1
	`, teamID, floor)
	if err != nil {
		return fmt.Errorf("raise short id floor: %w", err)
	}
	return nil
}

// --- matters ---

// InsertMatter reports whether the row was written. A short-ID
// collision returns (false, nil) via ON CONFLICT DO NOTHING rather
// than an error, so a transaction probing a client-proposed short ID
// is never aborted by the probe itself; only the (team_id, short_id)
// constraint is suppressed, any other violation still errors.
func (s *PostgresStore) InsertMatter(ctx context.Context, q Querier, matter Matter) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO matters (id, org_id, team_id, short_id, display_code, title, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT uq_matters_team_short_id DO NOTHING
	`, matter.ID, matter.OrgID, matter.TeamID, matter.ShortID, matter.DisplayCode, matter.Title, matter.Status, matter.CreatedBy)
	if err != nil {
		return false, fmt.Errorf("insert matter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert matter result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetMatter(ctx context.Context, orgID, matterID string) (Matter, error) {
	var matter Matter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, team_id, short_id, display_code, title, status, created_by, created_at, deleted_at
		FROM matters
		WHERE org_id=$1 AND id=$2
	`, orgID, matterID).Scan(
		&matter.ID,
		&matter.OrgID,
		&matter.TeamID,
		&matter.ShortID,
		&matter.DisplayCode,
		&matter.Title,
		&matter.Status,
		&matter.CreatedBy,
		&matter.CreatedAt,
		&matter.DeletedAt,
	)
	if err != nil {
		return Matter{}, err
	}
	return matter, nil
}

func (s *PostgresStore) SoftDeleteMatter(ctx context.Context, q Querier, orgID, matterID string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE matters SET deleted_at=NOW()
		WHERE org_id=$1 AND id=$2 AND deleted_at IS NULL
	`, orgID, matterID)
	if err != nil {
		return false, fmt.Errorf("delete matter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete matter rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateMatterStatus(ctx context.Context, q Querier, orgID, matterID, status, actor string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE matters SET status=$3, updated_by=$4, updated_at=NOW()
		WHERE org_id=$1 AND id=$2 AND deleted_at IS NULL
	`, orgID, matterID, status, actor)
	if err != nil {
		return false, fmt.Errorf("update matter status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update matter rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, q Querier, comment Comment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO matter_comments (id, matter_id, author_id, body)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.MatterID, comment.AuthorID, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// MaxShortID is the reseed read query: the highest short ID among
// non-deleted matters in a team, 0 when the team has none.
func (s *PostgresStore) MaxShortID(ctx context.Context, teamID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(short_id), 0) FROM matters
		WHERE team_id=$1 AND deleted_at IS NULL
	`, teamID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max short id: %w", err)
	}
	return max, nil
}
