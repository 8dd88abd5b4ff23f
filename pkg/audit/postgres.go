package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStorage persists entries in the activity_log table.
type postgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage returns a Storage backed by PostgreSQL.
func NewPostgresStorage(pool *pgxpool.Pool) Storage {
	if pool == nil {
		panic("audit: pool cannot be nil")
	}
	return &postgresStorage{pool: pool}
}

func (s *postgresStorage) Store(ctx context.Context, entry Entry) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Join(ErrStorageFailure, err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (id, tenant_id, action, actor, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.Action, string(entry.Actor), entry.Status, metadata, entry.CreatedAt,
	)
	if err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	return nil
}

func (s *postgresStorage) Query(ctx context.Context, criteria Criteria) ([]Entry, error) {
	var (
		conditions []string
		args       []any
	)

	if criteria.TenantID != nil {
		args = append(args, *criteria.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if criteria.Actor != "" {
		args = append(args, string(criteria.Actor))
		conditions = append(conditions, fmt.Sprintf("actor = $%d", len(args)))
	}
	if criteria.Action != "" {
		args = append(args, criteria.Action)
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}
	if !criteria.Since.IsZero() {
		args = append(args, criteria.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := "SELECT id, tenant_id, action, actor, status, metadata, created_at FROM activity_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if criteria.Limit > 0 {
		args = append(args, criteria.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry    Entry
			actor    string
			metadata []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Action, &actor, &entry.Status, &metadata, &entry.CreatedAt); err != nil {
			return nil, errors.Join(ErrStorageFailure, err)
		}
		entry.Actor = Actor(actor)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, errors.Join(ErrStorageFailure, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}

	return entries, nil
}
