package models

import "time"

// ChunkDescriptor identifies one contiguous byte range of a file. Immutable
// once written; duplicate writes for the same range with the same checksum
// are idempotent and must not be re-stored.
type ChunkDescriptor struct {
	Number     int
	Offset     int64
	Length     int64
	Checksum   string
	Received   bool
	StorageKey string
	ReceivedAt time.Time
}

// ValidationResult is the structured outcome of the validation unit.
type ValidationResult struct {
	Passed  bool
	Reasons []string
}

// FileUploadState tracks one file inside a session: its chunk manifest,
// validation outcome and ingestion attempt history.
type FileUploadState struct {
	ID            string
	SessionID     string
	Order         int
	Name          string
	ContentType   string
	DeclaredSize  int64
	ReceivedBytes int64
	Chunks        []ChunkDescriptor
	Status        FileStatus
	Validation    *ValidationResult
	StorageHandle string
	// ExternalDocumentID is the handle assigned by the ingestion service
	// once submission succeeds.
	ExternalDocumentID string
	Attempts           int
	LastError          string
	CorrelationID      string
	UpdatedAt          time.Time
}

// ManifestComplete reports whether every declared chunk has been received.
func (f *FileUploadState) ManifestComplete() bool {
	if len(f.Chunks) == 0 {
		return false
	}
	for i := range f.Chunks {
		if !f.Chunks[i].Received {
			return false
		}
	}
	return true
}

// MissingChunks lists the numbers of chunks not yet received, in order.
func (f *FileUploadState) MissingChunks() []int {
	missing := []int{}
	for i := range f.Chunks {
		if !f.Chunks[i].Received {
			missing = append(missing, f.Chunks[i].Number)
		}
	}
	return missing
}

// ChunkByNumber returns the descriptor for the given chunk number, or nil.
func (f *FileUploadState) ChunkByNumber(n int) *ChunkDescriptor {
	for i := range f.Chunks {
		if f.Chunks[i].Number == n {
			return &f.Chunks[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (f *FileUploadState) Clone() *FileUploadState {
	out := *f
	out.Chunks = make([]ChunkDescriptor, len(f.Chunks))
	copy(out.Chunks, f.Chunks)
	if f.Validation != nil {
		v := *f.Validation
		v.Reasons = append([]string(nil), f.Validation.Reasons...)
		out.Validation = &v
	}
	return &out
}
