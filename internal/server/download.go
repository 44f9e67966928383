package server

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"
)

// maxSelectionBytes caps the JSON or form body of a bundle request.
const maxSelectionBytes = 1 << 20

type downloadZipReq struct {
	Filenames []string `json:"filenames"`
}

// downloadZipHandler handles POST /download-zip. The selection is a JSON
// body {"filenames": [...]} or a form with repeated "filenames" fields.
func (s *Server) downloadZipHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		names, ok := readSelection(w, r)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad request")
			return
		}
		if len(names) == 0 {
			writeError(w, http.StatusBadRequest, "No files selected")
			return
		}

		archive, err := s.bundler.Bundle(r.Context(), names)
		if err != nil {
			if r.Context().Err() == nil {
				s.log.Error("bundle failed", map[string]any{
					"rid":   RequestIDFromContext(r.Context()),
					"files": len(names),
				}, err)
				writeError(w, http.StatusInternalServerError, "could not build archive")
			}
			return
		}
		// Runs on success, write error and client disconnect alike.
		defer func() { _ = archive.Close() }()

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", attachment(archive.DownloadName))
		w.Header().Set("X-Archive-Strategy", string(archive.Strategy))
		http.ServeContent(w, r, archive.DownloadName, time.Time{}, archive)
	})
}

func readSelection(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSelectionBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var raw []string
	if mediaType == "application/json" {
		var req downloadZipReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, false
		}
		raw = req.Filenames
	} else {
		if err := r.ParseMultipartForm(maxSelectionBytes); err != nil && err != http.ErrNotMultipart {
			return nil, false
		}
		raw = r.Form["filenames"]
	}

	names := make([]string, 0, len(raw))
	for _, n := range raw {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names, true
}
