package server

import (
	"errors"
	"net/http"

	"lan-file-drop/internal/pathsafe"
	"lan-file-drop/internal/upload"
)

// Upload request headers.
const (
	headerUploadID    = "X-Upload-ID"
	headerChunkIndex  = "X-Chunk-Index"
	headerTotalChunks = "X-Total-Chunks"
	headerFileName    = "X-File-Name"
)

type uploadChunkResp struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	UploadID string `json:"upload_id"`
	Filename string `json:"filename,omitempty"`
}

var outcomeMessages = map[upload.Outcome]string{
	upload.OutcomeReceived:       "Chunk received",
	upload.OutcomeReassembled:    "File reassembled successfully",
	upload.OutcomeAlreadyHandled: "Chunk processed by another worker.",
}

// uploadChunkHandler handles POST /upload-chunk. The body is the raw
// fragment; the session, index, count and target name travel in headers.
func (s *Server) uploadChunkHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		f, err := s.engine.ParseFragment(
			r.Header.Get(headerUploadID),
			r.Header.Get(headerChunkIndex),
			r.Header.Get(headerTotalChunks),
			r.Header.Get(headerFileName),
		)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		out, err := s.engine.WriteFragment(r.Context(), f, r.Body)
		if err != nil {
			s.writeUploadError(w, r, f, err)
			return
		}

		resp := uploadChunkResp{
			Success:  true,
			Status:   string(out),
			Message:  outcomeMessages[out],
			UploadID: f.Token,
		}
		if out == upload.OutcomeReassembled {
			resp.Filename = f.Filename
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, f upload.Fragment, err error) {
	switch {
	case errors.Is(err, pathsafe.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, upload.ErrFragmentTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "chunk too large")
	case errors.Is(err, upload.ErrDataCorruption):
		// Already logged by the engine with the failing index.
		writeError(w, http.StatusInternalServerError, "reassembly failed: a chunk is missing or unreadable, resend missing chunks")
	default:
		s.log.Error("chunk write failed", map[string]any{
			"rid":       RequestIDFromContext(r.Context()),
			"upload_id": f.Token,
			"index":     f.Index,
		}, err)
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}

type uploadStatusResp struct {
	UploadID string       `json:"upload_id"`
	State    upload.State `json:"state"`
	Received []int        `json:"received"`
}

// uploadStatusHandler handles GET /upload-status?id=<token> so clients can
// resume by sending only the missing indices.
func (s *Server) uploadStatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		token := r.URL.Query().Get("id")
		received, err := s.engine.Status(r.Context(), token)
		if err != nil {
			if errors.Is(err, pathsafe.ErrInvalid) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.log.Error("status lookup failed", map[string]any{"upload_id": token}, err)
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}

		writeJSON(w, http.StatusOK, uploadStatusResp{
			UploadID: token,
			State:    s.engine.State(token),
			Received: received,
		})
	})
}
