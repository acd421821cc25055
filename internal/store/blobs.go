package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// gzip is only worth it above this size; smaller payloads store raw.
const compressionFloor = 512

// CreateBlob stores data in the content-addressed pool and returns its blob.
// Identical content deduplicates onto one row with a bumped ref count.
func (s *Store) CreateBlob(ctx context.Context, data []byte, mimeType string) (*models.Blob, error) {
	var blob *models.Blob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		blob, err = s.createBlobInTx(ctx, tx, data, mimeType)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *Store) createBlobInTx(ctx context.Context, tx *sql.Tx, data []byte, mimeType string) (*models.Blob, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	existing, err := blobByHash(ctx, tx, hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE blobs SET ref_count = ref_count + 1 WHERE id = ?
		`, existing.ID); err != nil {
			return nil, fmt.Errorf("bump blob refcount: %w", err)
		}
		existing.RefCount++
		return existing, nil
	}

	stored := data
	compression := ""
	if len(data) >= compressionFloor {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err == nil && gz.Close() == nil && buf.Len() < len(data) {
			stored = buf.Bytes()
			compression = "gzip"
		}
	}

	blob := &models.Blob{
		ID:             "blob_" + uuid.NewString(),
		Hash:           hash,
		MimeType:       mimeType,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(stored)),
		Compression:    compression,
		RefCount:       1,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blobs (id, hash, mime_type, data, original_size, compressed_size, compression, ref_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, blob.ID, blob.Hash, blob.MimeType, stored, blob.OriginalSize, blob.CompressedSize,
		blob.Compression, blob.RefCount, blob.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert blob: %w", err)
	}
	return blob, nil
}

// ResolveBlob returns the decompressed content of a blob.
func (s *Store) ResolveBlob(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	var compression string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, compression FROM blobs WHERE id = ?
	`, id).Scan(&data, &compression)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve blob: %w", err)
	}

	if compression == "gzip" {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", id, err)
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", id, err)
		}
		return out, nil
	}
	return data, nil
}

// BlobInfo returns a blob's metadata without its content.
func (s *Store) BlobInfo(ctx context.Context, id string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, mime_type, original_size, compressed_size, compression, ref_count, created_at
		FROM blobs WHERE id = ?
	`, id)
	var blob models.Blob
	err := row.Scan(&blob.ID, &blob.Hash, &blob.MimeType, &blob.OriginalSize,
		&blob.CompressedSize, &blob.Compression, &blob.RefCount, &blob.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan blob: %w", err)
	}
	return &blob, nil
}

// ReleaseBlob drops one reference. Unreferenced blobs are removed by the
// retention sweep, not here.
func (s *Store) ReleaseBlob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blobs SET ref_count = ref_count - 1 WHERE id = ? AND ref_count > 0
	`, id)
	return err
}

// SweepOrphanedBlobs deletes blobs with no remaining references and no
// referencing events. Returns the number removed.
func (s *Store) SweepOrphanedBlobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blobs
		WHERE ref_count <= 0
		  AND NOT EXISTS (SELECT 1 FROM events WHERE events.blob_id = blobs.id)
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep blobs: %w", err)
	}
	return res.RowsAffected()
}

func blobByHash(ctx context.Context, tx *sql.Tx, hash string) (*models.Blob, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, hash, mime_type, original_size, compressed_size, compression, ref_count, created_at
		FROM blobs WHERE hash = ?
	`, hash)
	var blob models.Blob
	err := row.Scan(&blob.ID, &blob.Hash, &blob.MimeType, &blob.OriginalSize,
		&blob.CompressedSize, &blob.Compression, &blob.RefCount, &blob.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan blob: %w", err)
	}
	return &blob, nil
}
