package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/upload"
)

// maxChunkBytes bounds one PATCH body.
const maxChunkBytes = 64 << 20

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid Upload-Length header", errs.ErrValidation))
		return
	}
	meta := parseMetadata(r.Header.Get("Upload-Metadata"))

	req := upload.StartRequest{
		Name:           meta["name"],
		ContentType:    meta["type"],
		Directory:      meta["directory"],
		Size:           size,
		CreatedBy:      meta["created_by"],
		Company:        firstNonEmpty(r.Header.Get("X-Tenant-ID"), meta["company"]),
		CompanyUser:    meta["company_user"],
		Department:     firstNonEmpty(r.Header.Get("Department-Id"), meta["department"]),
		NeedProcessing: r.URL.Query().Get("need_processing") == "true",
		DirectUpload:   r.URL.Query().Get("direct_upload") == "true",
	}

	res, err := s.uploads.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/chunk/upload/"+res.ID)
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, err := io.ReadAll(io.LimitReader(r.Body, maxChunkBytes+1))
	if err != nil {
		writeError(w, fmt.Errorf("%w: failed to read chunk body", errs.ErrValidation))
		return
	}
	if len(data) > maxChunkBytes {
		writeError(w, fmt.Errorf("%w: chunk exceeds %d bytes", errs.ErrValidation, maxChunkBytes))
		return
	}

	result, err := s.uploads.Ingest(r.Context(), id, data, r.Header.Get("Upload-Chunk-Token"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(result.Offset, 10))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	size, offset, err := s.uploads.Probe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Upload-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	w.Header().Set("Cache-Control", "no-store")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"size": size, "offset": offset})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	abort := r.URL.Query().Get("abort") == "true"

	if err := s.uploads.Delete(r.Context(), id, abort); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.uploads.Complete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// pushEnvelope is the push-delivery wrapper: the task JSON rides
// base64-encoded in message.data.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handlePush executes one pushed task synchronously. Malformed envelopes are
// rejected with 400 so the push subscription stops retrying garbage; a task
// dropped because its resource is busy still answers 200, since the lease
// holder covers the work.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var env pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil || env.Message.Data == "" {
		writeError(w, fmt.Errorf("%w: missing push payload", errs.ErrValidation))
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		writeError(w, fmt.Errorf("%w: push payload is not base64", errs.ErrValidation))
		return
	}

	var task models.PipelineTask
	if err := json.Unmarshal(raw, &task); err != nil {
		writeError(w, fmt.Errorf("%w: push payload is not a task", errs.ErrValidation))
		return
	}
	if task.ResourceID == "" || !models.KnownTaskType(task.TaskType) {
		writeError(w, fmt.Errorf("%w: unknown task type %q", errs.ErrValidation, task.TaskType))
		return
	}

	if err := s.runner.Run(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "resource_id": task.ResourceID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "chunk-service"})
}

// parseMetadata decodes an Upload-Metadata header: comma-separated pairs of
// "key base64value". Keys without a value are kept empty.
func parseMetadata(header string) map[string]string {
	meta := map[string]string{}
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		if len(fields) == 0 {
			continue
		}
		key := fields[0]
		if len(fields) < 2 {
			meta[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			continue
		}
		meta[key] = string(decoded)
	}
	return meta
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
