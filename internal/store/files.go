package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateFile registers an object-store file and returns its id.
func (s *Store) CreateFile(ctx context.Context, f *File) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO files (name, bucketname, filetype)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING id`,
		f.Name, f.Bucketname, f.Filetype,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	return id, nil
}

// GetFile fetches one file by id.
func (s *Store) GetFile(ctx context.Context, id int64) (*File, error) {
	var f File
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, bucketname, COALESCE(filetype, ''), created_at
		FROM files WHERE id = $1`, id,
	).Scan(&f.ID, &f.Name, &f.Bucketname, &f.Filetype, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &f, nil
}

// ListFiles returns files ordered by ascending id.
func (s *Store) ListFiles(ctx context.Context, limit int, lastID int64) ([]*File, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, bucketname, COALESCE(filetype, ''), created_at
		FROM files WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Name, &f.Bucketname, &f.Filetype, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// DeleteFile removes a file registration.
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDownload looks up a prior external download by its dedup key. A nil
// result with nil error means no match.
func (s *Store) FindDownload(ctx context.Context, externalURL, quality, format string, audioOnly bool) (*Download, error) {
	var d Download
	err := s.pool.QueryRow(ctx, `
		SELECT id, external_url, COALESCE(remote_id, ''), COALESCE(title, ''),
			filename, bucketname, quality, COALESCE(format, ''), audio_only, created_at
		FROM downloads
		WHERE external_url = $1
		AND quality = $2
		AND format IS NOT DISTINCT FROM NULLIF($3, '')
		AND audio_only = $4
		ORDER BY id DESC
		LIMIT 1`,
		externalURL, quality, format, audioOnly,
	).Scan(&d.ID, &d.ExternalURL, &d.RemoteID, &d.Title, &d.Filename, &d.Bucketname,
		&d.Quality, &d.Format, &d.AudioOnly, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find download: %w", err)
	}
	return &d, nil
}

// CreateDownload records a completed external download for later dedup.
func (s *Store) CreateDownload(ctx context.Context, d *Download) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO downloads (external_url, remote_id, title, filename, bucketname, quality, format, audio_only)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING id`,
		d.ExternalURL, d.RemoteID, d.Title, d.Filename, d.Bucketname, d.Quality, d.Format, d.AudioOnly,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert download: %w", err)
	}
	return id, nil
}
