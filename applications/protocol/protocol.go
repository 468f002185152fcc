package protocol

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
)

// Multipart field names of an upload request.
const (
	FieldFile          = "file"
	FieldChunk         = "chunk"
	FieldChunks        = "chunks"
	FieldChunkFilename = "chunk_filename"
	FieldUserID        = "userId"
	FieldBranchID      = "brId"
	FieldFilename      = "filename"
	FieldType          = "type"
	FieldDescription   = "description"
	FieldFileSize      = "filesize"
	FieldFinalize      = "finalize"
)

// TypeRecording is the content category sent with every recording upload.
const TypeRecording = "recording"

const maxMemory = 32 << 20

// Name bounds. Transfer ids and artifact names become file and directory
// names, which most filesystems cap at 255 bytes.
const (
	MaxNameLen       = 100
	MaxTransferIDLen = 160

	maxExtLen = 16
)

var ErrMalformed = errors.New("malformed request")

// Kind tells a data chunk apart from the completion signal.
type Kind int

const (
	KindChunk Kind = iota
	KindFinalize
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Meta is repeated on every request of a transfer, the receiver keeps no
// state between requests.
type Meta struct {
	TransferID  string
	Filename    string
	UserID      string
	BranchID    string
	Type        string
	Description string
	FileSize    int64
}

type Request struct {
	Kind    Kind
	Meta    Meta
	Index   int
	Total   int
	Payload []byte
}

func NewChunk(meta Meta, index, total int, payload []byte) Request {
	return Request{
		Kind:    KindChunk,
		Meta:    meta,
		Index:   index,
		Total:   total,
		Payload: payload,
	}
}

// NewFinalize builds the completion signal. On the wire it repeats the last
// index without a file part.
func NewFinalize(meta Meta, total int) Request {
	return Request{
		Kind:  KindFinalize,
		Meta:  meta,
		Index: total - 1,
		Total: total,
	}
}

// Response is the JSON body returned for every upload request.
type Response struct {
	Success      bool   `json:"success"`
	FileID       string `json:"fileId,omitempty"`
	Filename     string `json:"filename,omitempty"`
	RelativePath string `json:"relativePath,omitempty"`
	Size         int64  `json:"size,omitempty"`
	UserID       string `json:"userId,omitempty"`
	BranchID     string `json:"brId,omitempty"`
	Type         string `json:"type,omitempty"`
	Description  string `json:"description,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Completed reports whether the response describes a stored artifact.
func (r Response) Completed() bool {
	return r.Success && r.FileID != ""
}

// Encode writes req as a multipart form into w and returns the content type
// to send with it.
func Encode(w io.Writer, req Request) (string, error) {
	mw := multipart.NewWriter(w)

	fields := []struct{ name, value string }{
		{FieldChunk, strconv.Itoa(req.Index)},
		{FieldChunks, strconv.Itoa(req.Total)},
		{FieldChunkFilename, req.Meta.TransferID},
		{FieldUserID, req.Meta.UserID},
		{FieldBranchID, req.Meta.BranchID},
		{FieldFilename, req.Meta.Filename},
		{FieldType, req.Meta.Type},
		{FieldDescription, req.Meta.Description},
		{FieldFileSize, strconv.FormatInt(req.Meta.FileSize, 10)},
	}
	if req.Kind == KindFinalize {
		fields = append(fields, struct{ name, value string }{FieldFinalize, "1"})
	}

	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return "", fmt.Errorf("can't write field %s: %w", f.name, err)
		}
	}

	if req.Kind == KindChunk {
		part, err := mw.CreateFormFile(FieldFile, req.Meta.TransferID)
		if err != nil {
			return "", fmt.Errorf("can't create file part: %w", err)
		}
		if _, err = part.Write(req.Payload); err != nil {
			return "", fmt.Errorf("can't write file part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("can't close multipart writer: %w", err)
	}

	return mw.FormDataContentType(), nil
}

// Decode parses an upload request. A request without a file part whose index
// is the last one is read as a finalize, which keeps older senders working.
func Decode(r *http.Request) (Request, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	index, err := intField(r, FieldChunk)
	if err != nil {
		return Request{}, err
	}
	total, err := intField(r, FieldChunks)
	if err != nil {
		return Request{}, err
	}

	var size int64
	if v := r.FormValue(FieldFileSize); v != "" {
		size, err = strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return Request{}, fmt.Errorf("%w: invalid %s %q", ErrMalformed, FieldFileSize, v)
		}
	}

	meta := Meta{
		TransferID:  r.FormValue(FieldChunkFilename),
		Filename:    r.FormValue(FieldFilename),
		UserID:      r.FormValue(FieldUserID),
		BranchID:    r.FormValue(FieldBranchID),
		Type:        r.FormValue(FieldType),
		Description: r.FormValue(FieldDescription),
		FileSize:    size,
	}

	file, _, err := r.FormFile(FieldFile)
	switch {
	case errors.Is(err, http.ErrMissingFile):
		if isTrue(r.FormValue(FieldFinalize)) || index == total-1 {
			return NewFinalize(meta, total), nil
		}
		return Request{}, fmt.Errorf("%w: missing %s part for chunk %d", ErrMalformed, FieldFile, index)
	case err != nil:
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return Request{}, fmt.Errorf("can't read %s part: %w", FieldFile, err)
	}

	return NewChunk(meta, index, total, payload), nil
}

func intField(r *http.Request, name string) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrMalformed, name, v)
	}
	return n, nil
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// SanitizeToken keeps only [A-Za-z0-9._-]. It returns false when nothing
// usable is left.
func SanitizeToken(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteRune(c)
		}
	}

	out := b.String()
	if strings.Trim(out, ".") == "" {
		return "", false
	}
	return out, true
}

// ShortenName cuts a sanitized name to MaxNameLen bytes, keeping its
// extension when the extension is short enough to matter.
func ShortenName(name string) string {
	if len(name) <= MaxNameLen {
		return name
	}

	ext := path.Ext(name)
	if len(ext) > maxExtLen {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)

	return base[:MaxNameLen-len(ext)] + ext
}
