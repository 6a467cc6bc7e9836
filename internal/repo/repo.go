package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"geemake/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertWatcher(ctx context.Context, tx *sql.Tx, w domain.Watcher) error {
	if w.ID == "" {
		return errors.New("watcher id required")
	}
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO watchers(id,asset_id,sentinel_path,state,message,registered_at,finished_at) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.AssetID, w.SentinelPath, w.State, nullable(w.Message), w.RegisteredAt, w.FinishedAt)
	return err
}

func (r Repo) FinishWatcher(ctx context.Context, tx *sql.Tx, id, state, message, finishedAt string) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE watchers SET state=?, message=?, finished_at=? WHERE id=?`,
		state, nullable(message), finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWatcher(scan func(dest ...any) error) (domain.Watcher, error) {
	var w domain.Watcher
	var msg, finished sql.NullString
	if err := scan(&w.ID, &w.AssetID, &w.SentinelPath, &w.State, &msg, &w.RegisteredAt, &finished); err != nil {
		return w, err
	}
	if msg.Valid {
		w.Message = msg.String
	}
	if finished.Valid {
		w.FinishedAt = &finished.String
	}
	return w, nil
}

const watcherColumns = `id,asset_id,sentinel_path,state,message,registered_at,finished_at`

func (r Repo) GetWatcher(ctx context.Context, id string) (domain.Watcher, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+watcherColumns+` FROM watchers WHERE id=?`, id)
	w, err := scanWatcher(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

// ListWatchers returns the most recently registered watchers first.
func (r Repo) ListWatchers(ctx context.Context, limit int, state, assetID string) ([]domain.Watcher, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if state != "" {
		clauses = append(clauses, "state=?")
		args = append(args, state)
	}
	if assetID != "" {
		clauses = append(clauses, "asset_id=?")
		args = append(args, assetID)
	}
	query := fmt.Sprintf(`SELECT %s FROM watchers WHERE %s ORDER BY registered_at DESC, rowid DESC LIMIT ?`, watcherColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Watcher
	for rows.Next() {
		w, err := scanWatcher(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, assetID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if assetID != "" {
		clauses = append(clauses, "asset_id=?")
		args = append(args, assetID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(asset_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.AssetID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
