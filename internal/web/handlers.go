package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vendorregistry/importer/internal/importer"
	"github.com/vendorregistry/importer/internal/logging"
)

// multipartOverhead is extra body allowance for multipart boundaries and
// part headers on top of the file size limit.
const multipartOverhead = 1 << 20

// handleStartImport streams the "file" part of a multipart upload straight
// into the importer. The request returns when the run is terminal. The run
// is detached from client disconnects and bounded by the import timeout.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.Import.MaxFileSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	part, err := filePart(r)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	defer part.Close()

	filename := filepath.Base(part.FileName())
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		respondError(w, r, fmt.Errorf("%w: %q", importer.ErrNotCSV, filename), 0)
		return
	}

	ctx := withCreator(context.WithoutCancel(r.Context()), r)
	if timeout := s.cfg.Import.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id, err := s.service.StartImport(ctx, part, filename)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			err = fmt.Errorf("%w: %v", importer.ErrFileTooLarge, tooBig)
		}
		respondError(w, r, err, id)
		return
	}

	st, err := s.service.GetStatus(r.Context(), id)
	if err != nil {
		respondError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// filePart returns the multipart part named "file". Parts before it are
// discarded; nothing is buffered to disk.
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", importer.ErrNoFile, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, importer.ErrNoFile
		}
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return nil, fmt.Errorf("%w: %v", importer.ErrFileTooLarge, err)
			}
			return nil, fmt.Errorf("%w: %v", importer.ErrNoFile, err)
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	st, err := s.service.GetStatus(r.Context(), id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	st, err := s.service.Cancel(withCreator(r.Context(), r), id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "invalid limit",
				Message: "invalid limit",
				Code:    "REQ001",
			})
			return
		}
		limit = n
	}

	runs, err := s.service.RecentRuns(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleStaleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.StaleRuns(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.service.ListActiveLocks(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleClearLocks(w http.ResponseWriter, r *http.Request) {
	ctx := withCreator(r.Context(), r)
	n, err := s.service.ClearAllLocks(ctx)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	logging.FromContext(ctx).Warn("locks cleared via API",
		"count", n,
		"user", importer.CreatorFromContext(ctx),
	)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runID parses the {id} URL parameter. A malformed id is reported as not
// found, since no run can have it.
func runID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("run %q: %w", raw, importer.ErrNotFound)
	}
	return id, nil
}
