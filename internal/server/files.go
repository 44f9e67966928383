package server

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"lan-file-drop/internal/artifact"
	"lan-file-drop/internal/pathsafe"
)

type listFilesResp struct {
	Files []string `json:"files"`
}

// listFilesHandler handles GET /files and returns the stored names, sorted.
func (s *Server) listFilesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		names, err := s.repo.List()
		if err != nil {
			s.log.Error("list files failed", nil, err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		writeJSON(w, http.StatusOK, listFilesResp{Files: names})
	})
}

// fileHandler handles GET /uploads/<name>. Range requests are honoured.
func (s *Server) fileHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/uploads/")
		f, ref, err := s.repo.Open(name)
		if err != nil {
			// Invalid names are indistinguishable from missing ones.
			if errors.Is(err, artifact.ErrNotFound) || errors.Is(err, pathsafe.ErrInvalid) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			s.log.Error("open file failed", map[string]any{"filename": name}, err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		defer func() { _ = f.Close() }()

		w.Header().Set("Content-Disposition", attachment(ref.Name))
		http.ServeContent(w, r, ref.Name, ref.ModTime, f)
	})
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
