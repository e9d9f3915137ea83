package longterm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inflo-ai/relay/internal/database"
	"github.com/inflo-ai/relay/internal/types"
)

// SQLiteStore implements Store on the shared relay database. Profiles are
// stored as JSON documents; the columns the query predicates filter on are
// denormalized next to the blob so queries never unpack every document.
type SQLiteStore struct {
	db  *database.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a SQLite-backed long-term store. The database is
// shared with the coordinator and owned by the composition root.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{
		db:  db,
		now: time.Now,
	}
}

// Put stores a profile, replacing any previous one for the same lead.
func (s *SQLiteStore) Put(ctx context.Context, profile types.LeadProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(profile)
	if err != nil {
		return types.WrapError(types.INTERNAL_ERROR, "failed to encode profile", err)
	}

	now := s.now().UTC()

	var lastAt any
	if !profile.LastInteractionAt.IsZero() {
		lastAt = profile.LastInteractionAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lead_profiles (lead_id, profile, engagement_score, total_interactions, last_interaction_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET
			profile = excluded.profile,
			engagement_score = excluded.engagement_score,
			total_interactions = excluded.total_interactions,
			last_interaction_at = excluded.last_interaction_at,
			updated_at = excluded.updated_at
	`, profile.LeadID, string(doc), profile.EngagementScore, profile.TotalInteractions, lastAt, now, now)
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to write profile", err)
	}

	return nil
}

// Get retrieves a profile by lead id.
func (s *SQLiteStore) Get(ctx context.Context, leadID string) (Record, error) {
	if leadID == "" {
		return Record{}, types.NewError(types.VALIDATION_ERROR, "lead id is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT profile, created_at, updated_at
		FROM lead_profiles
		WHERE lead_id = ?
	`, leadID)

	record, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("lead profile not found: %s", leadID))
	}
	if err != nil {
		return Record{}, err
	}

	return record, nil
}

// Query returns profiles matching the criteria, most recently updated first.
func (s *SQLiteStore) Query(ctx context.Context, criteria Criteria) ([]Record, error) {
	var (
		wheres []string
		args   []any
	)

	if len(criteria.LeadIDs) > 0 {
		placeholders := strings.Repeat("?,", len(criteria.LeadIDs))
		wheres = append(wheres, fmt.Sprintf("lead_id IN (%s)", placeholders[:len(placeholders)-1]))
		for _, id := range criteria.LeadIDs {
			args = append(args, id)
		}
	}
	if criteria.MinEngagement > 0 {
		wheres = append(wheres, "engagement_score >= ?")
		args = append(args, criteria.MinEngagement)
	}
	if !criteria.UpdatedSince.IsZero() {
		wheres = append(wheres, "updated_at >= ?")
		args = append(args, criteria.UpdatedSince.UTC())
	}

	limit := criteria.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := "SELECT profile, created_at, updated_at FROM lead_profiles"
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to query profiles", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan profiles", err)
	}

	return records, nil
}

// Close is a no-op; the shared database is closed by its owner.
func (s *SQLiteStore) Close() error {
	return nil
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		doc       string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := scan(&doc, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan profile row", err)
	}

	var profile types.LeadProfile
	if err := json.Unmarshal([]byte(doc), &profile); err != nil {
		return Record{}, types.WrapError(types.INTERNAL_ERROR, "failed to decode profile", err)
	}

	return Record{Profile: profile, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}
