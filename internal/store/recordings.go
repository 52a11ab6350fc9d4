package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/loqalabs/loqa-pendant/internal/device"
	"github.com/loqalabs/loqa-pendant/internal/walsync"
)

var _ walsync.Index = (*Store)(nil)

const recordingColumns = `id, path, size_bytes, codec, frames, duration_sec, created_at, processed`

// AddRecording indexes a synced recording file.
func (s *Store) AddRecording(ctx context.Context, r walsync.Recording) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(`+recordingColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Path, r.SizeBytes, r.Codec.String(), r.Frames, r.DurationSeconds, millis(r.CreatedAt), r.Processed)
	return err
}

func (s *Store) GetRecording(ctx context.Context, id string) (walsync.Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return walsync.Recording{}, walsync.ErrRecordingNotFound
	}
	return r, err
}

// ListRecordings returns indexed recordings, oldest first.
func (s *Store) ListRecordings(ctx context.Context) ([]walsync.Recording, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordingColumns+` FROM recordings ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []walsync.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkRecordingProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recordings SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return walsync.ErrRecordingNotFound
	}
	return nil
}

func (s *Store) DeleteRecording(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return walsync.ErrRecordingNotFound
	}
	return nil
}

func scanRecording(row scanner) (walsync.Recording, error) {
	var (
		r       walsync.Recording
		codec   string
		created int64
	)
	if err := row.Scan(&r.ID, &r.Path, &r.SizeBytes, &codec, &r.Frames, &r.DurationSeconds, &created, &r.Processed); err != nil {
		return walsync.Recording{}, err
	}
	c, err := device.ParseCodecName(codec)
	if err != nil {
		return walsync.Recording{}, err
	}
	r.Codec = c
	r.CreatedAt = timeFromMillis(created)
	return r, nil
}
