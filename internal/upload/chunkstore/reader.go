package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docsrv/ingest/internal/common"
	"github.com/docsrv/ingest/internal/upload/models"
)

// Open returns a reader over the staged content of a file, concatenating its
// chunks in manifest order. Used by the validation unit to sniff and scan
// content without waiting for assembly.
func (s *Store) Open(fileID string, chunks []models.ChunkDescriptor) (io.ReadCloser, error) {
	files := make([]*os.File, 0, len(chunks))
	readers := make([]io.Reader, 0, len(chunks))

	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	for i := range chunks {
		if !chunks[i].Received {
			closeAll()
			return nil, fmt.Errorf("chunk %d missing: %w", chunks[i].Number, common.ErrIncompleteManifest)
		}
		f, err := os.Open(filepath.Join(s.baseDir, fileID, chunks[i].StorageKey))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open chunk %d: %w", chunks[i].Number, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	return &multiChunkReader{Reader: io.MultiReader(readers...), files: files}, nil
}

type multiChunkReader struct {
	io.Reader
	files []*os.File
}

func (r *multiChunkReader) Close() error {
	var firstErr error
	for _, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
