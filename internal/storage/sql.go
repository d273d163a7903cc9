package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// SQLStore persists all collections in a single kv_store table inside an
// embedded SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLite-backed store over an opened database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Store upserts value under (collection, key).
func (s *SQLStore) Store(ctx context.Context, collection, key string, value map[string]any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return storageErr("encode record", err)
	}
	storedAt := time.Now().Format(storedAtLayout)
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv_store(collection, key, data, stored_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET data=excluded.data, stored_at=excluded.stored_at`,
		collection, key, string(data), storedAt)
	if err != nil {
		return storageErr("upsert record", err)
	}
	return nil
}

func decodeRecord(data, storedAt string) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, storageErr("decode record", err)
	}
	if record == nil {
		record = map[string]any{}
	}
	record[StoredAtField] = storedAt
	return record, nil
}

// Retrieve returns the record stored under key, or nil if absent.
func (s *SQLStore) Retrieve(ctx context.Context, collection, key string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, stored_at FROM kv_store WHERE collection=? AND key=?`, collection, key)
	var data, storedAt string
	if err := row.Scan(&data, &storedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storageErr("read record", err)
	}
	return decodeRecord(data, storedAt)
}

// Query returns up to limit records, newest first. When a filter is supplied,
// up to 2x limit rows are fetched before the in-memory predicate runs.
func (s *SQLStore) Query(ctx context.Context, collection string, filter Filter, limit int) ([]map[string]any, error) {
	fetch := limit
	if filter != nil && fetch > 0 {
		fetch *= 2
	}
	query := `SELECT data, stored_at FROM kv_store WHERE collection=? ORDER BY stored_at DESC`
	args := []any{collection}
	if fetch > 0 {
		query += " LIMIT ?"
		args = append(args, fetch)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query records", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data, storedAt string
		if err := rows.Scan(&data, &storedAt); err != nil {
			return nil, storageErr("scan record", err)
		}
		record, err := decodeRecord(data, storedAt)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter(record) {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}
	return out, nil
}

// Delete removes the record stored under key.
func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE collection=? AND key=?`, collection, key); err != nil {
		return storageErr("delete record", err)
	}
	return nil
}

// ClearOlderThan removes records stored more than days ago and returns the
// number removed.
func (s *SQLStore) ClearOlderThan(ctx context.Context, collection string, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Format(storedAtLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE collection=? AND stored_at < ?`, collection, cutoff)
	if err != nil {
		return 0, storageErr("sweep records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("rows affected", err)
	}
	return int(n), nil
}

// MedianTaskDuration computes the median actual_hours across successful task
// outcomes directly in SQL. It returns 0 with no error when no outcomes exist.
func (s *SQLStore) MedianTaskDuration(ctx context.Context) (float64, error) {
	const where = `collection = 'task_outcomes'
		AND json_extract(data, '$.success') = 1
		AND CAST(json_extract(data, '$.actual_hours') AS REAL) > 0`
	query := `
SELECT AVG(v) FROM (
  SELECT CAST(json_extract(data, '$.actual_hours') AS REAL) AS v
  FROM kv_store
  WHERE ` + where + `
  ORDER BY v
  LIMIT 2 - (SELECT COUNT(*) FROM kv_store WHERE ` + where + `) % 2
  OFFSET (SELECT (COUNT(*) - 1) / 2 FROM kv_store WHERE ` + where + `)
)`
	row := s.db.QueryRowContext(ctx, query)
	var median sql.NullFloat64
	if err := row.Scan(&median); err != nil {
		return 0, storageErr("median duration", err)
	}
	if !median.Valid {
		return 0, nil
	}
	return median.Float64, nil
}
