// Package chunkstore stages uploaded byte ranges on local disk, addressed by
// content checksum, and pushes assembled documents to the object store.
// Chunk writes are idempotent per checksum: re-sending an identical chunk
// neither duplicates storage nor changes the staged bytes.
package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/logging"
	"github.com/docsrv/ingest/internal/upload/models"
)

// ObjectStore is the durable destination for assembled documents.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Store is the staging area for one service instance.
type Store struct {
	baseDir        string
	objects        ObjectStore
	logger         logging.Logger
	writersPerFile int

	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewStore(baseDir string, objects ObjectStore, writersPerFile int, logger logging.Logger) (*Store, error) {
	if writersPerFile <= 0 {
		writersPerFile = 4
	}
	if err := os.MkdirAll(baseDir, 0o770); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", baseDir, err)
	}
	return &Store{
		baseDir:        baseDir,
		objects:        objects,
		logger:         logger.With("module", "chunkstore"),
		writersPerFile: writersPerFile,
		sems:           make(map[string]chan struct{}),
	}, nil
}

// Checksum returns the hex SHA-256 of the given bytes, the checksum format
// used throughout the chunk manifest.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// acquire limits concurrent chunk writers per file so a single large upload
// cannot saturate disk I/O for everyone else.
func (s *Store) acquire(ctx context.Context, fileID string) (release func(), err error) {
	s.mu.Lock()
	sem, ok := s.sems[fileID]
	if !ok {
		sem = make(chan struct{}, s.writersPerFile)
		s.sems[fileID] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write stages one chunk. The descriptor's checksum, when set, must match
// the payload; the payload length must match the declared chunk length.
// Returns the staging key for the chunk.
func (s *Store) Write(ctx context.Context, fileID string, desc models.ChunkDescriptor, data []byte) (string, error) {
	if int64(len(data)) != desc.Length {
		return "", fmt.Errorf("chunk %d: declared %d bytes, got %d: %w",
			desc.Number, desc.Length, len(data), common.ErrChunkSizeMismatch)
	}

	computed := Checksum(data)
	if desc.Checksum != "" && desc.Checksum != computed {
		return "", fmt.Errorf("chunk %d: %w", desc.Number, common.ErrChunkChecksumMismatch)
	}

	release, err := s.acquire(ctx, fileID)
	if err != nil {
		return "", err
	}
	defer release()

	dir := filepath.Join(s.baseDir, fileID)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	key := chunkFileName(desc.Number, computed)
	path := filepath.Join(dir, key)

	// Idempotent per checksum: the staged copy is already the right bytes.
	if _, err := os.Stat(path); err == nil {
		s.logger.Debug(ctx, "chunk already staged", "fileID", fileID, "chunk", desc.Number)
		return key, nil
	}

	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o660); err != nil {
		return "", fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish chunk: %w", err)
	}

	s.logger.Debug(ctx, "chunk staged", "fileID", fileID, "chunk", desc.Number, "bytes", len(data))
	return key, nil
}

func chunkFileName(number int, checksum string) string {
	return fmt.Sprintf("chunk_%06d_%s", number, checksum)
}

// Assemble concatenates the staged chunks in manifest order, verifies the
// total size, uploads the result to the object store and returns the storage
// handle. The staged chunks remain until Release is called.
func (s *Store) Assemble(ctx context.Context, fileID string, chunks []models.ChunkDescriptor, declaredSize int64, contentType string) (string, error) {
	for i := range chunks {
		if !chunks[i].Received {
			return "", fmt.Errorf("chunk %d missing: %w", chunks[i].Number, common.ErrIncompleteManifest)
		}
	}

	tmp, err := os.CreateTemp(s.baseDir, "assembled-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	defer func() {
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	var total int64
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := s.appendChunk(tmp, fileID, &chunks[i])
		if err != nil {
			return "", err
		}
		total += n
	}

	if total != declaredSize {
		return "", fmt.Errorf("assembled %d bytes, declared %d: %w", total, declaredSize, common.ErrIncompleteManifest)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind temp: %w", err)
	}

	handle := fmt.Sprintf("staging/%s/%s", fileID, uuid.NewString())
	if err := s.objects.Put(ctx, handle, tmp, total, contentType); err != nil {
		return "", fmt.Errorf("upload assembled document: %w", err)
	}

	s.logger.Info(ctx, "document assembled", "fileID", fileID, "bytes", total, "handle", handle)
	return handle, nil
}

func (s *Store) appendChunk(dst io.Writer, fileID string, desc *models.ChunkDescriptor) (int64, error) {
	path := filepath.Join(s.baseDir, fileID, desc.StorageKey)
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("chunk %d staged copy lost: %w", desc.Number, common.ErrIncompleteManifest)
		}
		return 0, fmt.Errorf("open chunk: %w", err)
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("copy chunk: %w", err)
	}
	return n, nil
}

// PresignDownload returns a short-lived GET link for an assembled document.
func (s *Store) PresignDownload(ctx context.Context, handle string, expires time.Duration) (string, error) {
	return s.objects.PresignGet(ctx, handle, expires)
}

// Release discards the staged chunks of a file. Safe to call twice.
func (s *Store) Release(ctx context.Context, fileID string) error {
	s.mu.Lock()
	delete(s.sems, fileID)
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.baseDir, fileID)); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	s.logger.Debug(ctx, "staging released", "fileID", fileID)
	return nil
}
