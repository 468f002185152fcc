package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/donmikel/chunkrelay/applications/protocol"
	"github.com/donmikel/chunkrelay/applications/server"
	"github.com/donmikel/chunkrelay/applications/server/domain"
)

// multipartOverhead is added to the size ceiling for form fields and
// boundaries around the payload.
const multipartOverhead = 1 << 20

func NewRouter(svc server.ChunkService, logger log.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/upload", UploadHandler(svc, logger)).Methods(http.MethodPost)
	r.HandleFunc("/file/{fileId}", GetFileHandler(svc, logger)).Methods(http.MethodGet)
	r.HandleFunc("/health", HealthHandler()).Methods(http.MethodGet)
	return r
}

func UploadHandler(svc server.ChunkService, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := svc.MaxFileSize()
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

		req, err := protocol.Decode(r)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				err = fmt.Errorf("%w: request exceeds the limit of %d bytes (%s)", domain.ErrTooLarge, limit, humanize.IBytes(uint64(limit)))
			}
			level.Warn(logger).Log("msg", "can't decode upload request", "err", err)
			writeErr(w, err, statusFor(err))
			return
		}

		transfer := domain.Transfer{
			ID:          req.Meta.TransferID,
			Filename:    req.Meta.Filename,
			UserID:      req.Meta.UserID,
			BranchID:    req.Meta.BranchID,
			Type:        req.Meta.Type,
			Description: req.Meta.Description,
			TotalChunks: req.Total,
			FileSize:    req.Meta.FileSize,
		}

		var receipt domain.Receipt
		switch req.Kind {
		case protocol.KindFinalize:
			receipt, err = svc.Finalize(r.Context(), transfer)
		default:
			receipt, err = svc.PutChunk(r.Context(), domain.Chunk{
				Transfer: transfer,
				Index:    req.Index,
				Payload:  req.Payload,
			})
		}
		if err != nil {
			status := statusFor(err)
			lvl := level.Warn
			if status >= http.StatusInternalServerError {
				lvl = level.Error
			}
			lvl(logger).Log("msg", "upload request failed",
				"kind", req.Kind,
				"transfer_id", req.Meta.TransferID,
				"index", req.Index,
				"status", status,
				"err", err,
			)
			writeErr(w, err, status)
			return
		}

		writeJSON(w, http.StatusOK, receiptResponse(receipt))
	}
}

func GetFileHandler(svc server.ChunkService, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["fileId"]
		if id == "" {
			writeErr(w, errors.New("empty file id"), http.StatusBadRequest)
			return
		}

		file, err := svc.GetFile(r.Context(), id)
		if err != nil {
			writeErr(w, err, statusFor(err))
			return
		}
		defer file.Body.Close()

		w.Header().Set("Content-Type", file.Meta.MimeType)
		w.Header().Set("Content-Length", strconv.FormatInt(file.Meta.Size, 10))

		if _, err = io.Copy(w, file.Body); err != nil {
			level.Error(logger).Log("msg", "error body copy", "err", err)
			return
		}
	}
}

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, protocol.Response{Success: true, Message: "ok"})
	}
}

func receiptResponse(receipt domain.Receipt) protocol.Response {
	a := receipt.Artifact
	if a == nil {
		return protocol.Response{Success: true, Message: receipt.Message}
	}

	return protocol.Response{
		Success:      true,
		FileID:       a.ID,
		Filename:     a.Filename,
		RelativePath: a.RelativePath,
		Size:         a.Size,
		UserID:       a.UserID,
		BranchID:     a.BranchID,
		Type:         a.Type,
		Description:  a.Description,
		Timestamp:    a.CreatedAt.Format(time.RFC3339),
		MimeType:     a.MimeType,
		Message:      receipt.Message,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrMissingChunk):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedContent):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeJSON(w, status, protocol.Response{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Println("can't write response ", err)
	}
}
