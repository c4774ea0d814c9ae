package server

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/filehaven/filehaven/internal/storage"
	"github.com/filehaven/filehaven/pkg/proto"
	"github.com/rs/zerolog/log"
)

// uploadField is the multipart field that carries the file.
const uploadField = "file"

// handleUpload streams the "file" part of a multipart form into the
// gateway. The stored name is the part's filename unless ?name= is given.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.jsonError(w, r, "expected multipart/form-data body", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.jsonError(w, r, "missing \"file\" field", http.StatusBadRequest)
			return
		}
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				s.storageError(w, r, err)
				return
			}
			s.jsonError(w, r, "malformed multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			name = part.FileName()
		}
		if name == "" {
			_ = part.Close()
			s.jsonError(w, r, "file name is required", http.StatusBadRequest)
			return
		}

		fi, err := s.gateway.Upload(r.Context(), t, r.URL.Query().Get("folder"), name, part)
		_ = part.Close()
		if err != nil && fi == nil {
			s.storageError(w, r, err)
			return
		}
		if err != nil {
			// The file is stored; only the usage counter write failed.
			log.Warn().Err(err).Int64("tenant", t.ID).Str("path", fi.Path).Msg("persist usage after upload")
		}
		writeJSON(w, http.StatusCreated, fi)
		return
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	d, err := s.gateway.Download(r.Context(), t, r.URL.Query().Get("path"))
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	defer func() { _ = d.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, d.Name, d.ModTime, d)
}

func (s *Server) handleRename(kind storage.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFrom(r.Context())
		q := r.URL.Query()
		newName := q.Get("name")
		if newName == "" {
			s.jsonError(w, r, "name is required", http.StatusBadRequest)
			return
		}
		newPath, err := s.gateway.Rename(r.Context(), t, q.Get("path"), newName, kind)
		if err != nil {
			s.storageError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, proto.RenameResponse{Path: newPath})
	}
}

func (s *Server) handleDelete(kind storage.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenantFrom(r.Context())
		itemPath := r.URL.Query().Get("path")
		freed, err := s.gateway.Delete(r.Context(), t, itemPath, kind)
		if err != nil {
			s.storageError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, proto.DeleteResponse{Path: itemPath, FreedBytes: freed})
	}
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	fi, err := s.gateway.CreateFolder(r.Context(), t, r.URL.Query().Get("path"))
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fi)
}

func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	l, err := s.gateway.ListFolder(r.Context(), t, r.URL.Query().Get("path"))
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	st, err := s.gateway.Stats(r.Context(), t)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.tenants.ListPlans(r.Context())
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	resp := make([]proto.PlanResponse, 0, len(plans))
	for _, p := range plans {
		resp = append(resp, proto.PlanResponse{
			Name:        p.Name,
			Description: p.Description,
			Price:       p.Price,
			LimitBytes:  storage.PlanLimit(p),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
