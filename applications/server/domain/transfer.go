package domain

import (
	"io"
	"time"
)

// Transfer is the metadata every request of one upload carries.
type Transfer struct {
	ID          string
	Filename    string
	UserID      string
	BranchID    string
	Type        string
	Description string
	TotalChunks int
	FileSize    int64
}

type Chunk struct {
	Transfer Transfer
	Index    int
	Payload  []byte
}

// IsLast reports whether the chunk triggers reassembly.
func (c Chunk) IsLast() bool {
	return c.Index == c.Transfer.TotalChunks-1
}

// Artifact is a reassembled file under the upload root.
type Artifact struct {
	ID           string
	TransferID   string
	Filename     string
	RelativePath string
	MimeType     string
	Size         int64
	UserID       string
	BranchID     string
	Type         string
	Description  string
	CreatedAt    time.Time
}

// Receipt is what the receiver acknowledges for one request. Artifact is nil
// until a request completed the transfer.
type Receipt struct {
	Message  string
	Artifact *Artifact
}

// File is a stored artifact opened for reading.
type File struct {
	Meta Artifact
	Body io.ReadCloser
}
