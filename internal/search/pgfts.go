package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS serves search queries from PostgreSQL full-text search, the
// fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across matters and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets. Deleted
// matters and their comments never surface.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	if q.OrgID == "" {
		return nil, 0, fmt.Errorf("search requires an organization scope")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OrgID}
	argN := 3

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultMatter {
		matterWhere := "m.fts @@ " + tsQuery + " AND m.org_id = $2 AND m.deleted_at IS NULL"
		if q.FilterTeamID != "" {
			matterWhere += fmt.Sprintf(" AND m.team_id = $%d", argN)
			args = append(args, q.FilterTeamID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'matter'::text AS type, m.id, m.title,
				''::text AS snippet,
				m.display_code, m.id AS matter_id, m.team_id, m.status,
				ts_rank(m.fts, %s) AS rank
			FROM matters m
			WHERE %s`, tsQuery, matterWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := "c.fts @@ " + tsQuery + " AND m.org_id = $2 AND m.deleted_at IS NULL"
		if q.FilterTeamID != "" {
			commentWhere += fmt.Sprintf(" AND m.team_id = $%d", argN)
			args = append(args, q.FilterTeamID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, ''::text AS title,
				ts_headline('english', coalesce(c.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS display_code, c.matter_id, m.team_id, ''::text AS status,
				ts_rank(c.fts, %s) AS rank
			FROM matter_comments c
			JOIN matters m ON m.id = c.matter_id
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, display_code, matter_id, team_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "), limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DisplayCode, &r.MatterID, &r.TeamID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts rows: %w", err)
	}

	return results, total, nil
}

// LoadAllRecords returns every searchable matter and comment, used for
// a full reindex into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MatterRecord, []CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, display_code, status, team_id, org_id
		FROM matters
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load matters: %w", err)
	}
	defer rows.Close()

	var matters []MatterRecord
	for rows.Next() {
		var m MatterRecord
		if err := rows.Scan(&m.ID, &m.Title, &m.DisplayCode, &m.Status, &m.TeamID, &m.OrgID); err != nil {
			return nil, nil, fmt.Errorf("scan matter: %w", err)
		}
		matters = append(matters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load matters: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.body, c.matter_id, m.team_id, m.org_id
		FROM matter_comments c
		JOIN matters m ON m.id = c.matter_id
		WHERE m.deleted_at IS NULL
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	var comments []CommentRecord
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.Body, &c.MatterID, &c.TeamID, &c.OrgID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}

	return matters, comments, nil
}
