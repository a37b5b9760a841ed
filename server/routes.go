package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/export"
)

const maxBodyBytes = 1 << 20

// NDJSONContentType is the content type of the equipment stream.
const NDJSONContentType = "application/x-ndjson"

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/roots", s.handleRoots)
	s.mux.HandleFunc("POST /api/inspect", s.handleInspect)
	s.mux.HandleFunc("POST /api/handles/clear", s.handleClear)
	s.mux.HandleFunc("GET /api/image/{handleId}", s.handleImage)

	s.mux.HandleFunc("GET /api/blueprints", s.handleBlueprints)
	s.mux.HandleFunc("POST /api/blueprints/range", s.handleRange)
	s.mux.HandleFunc("POST /api/blueprints/equipment/stream", s.handleEquipmentStream)
	s.mux.HandleFunc("GET /api/blueprints/equipment/icon/{file}", s.handleIcon)

	s.mux.HandleFunc("POST /api/export", s.handleExport)

	s.mux.HandleFunc("/", s.handleNotFound)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.Roots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roots)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req InspectRequest
	if err := decodeBody(w, r, inspectSchema, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid or missing handleId"})
		return
	}
	res, err := s.Inspect(r.Context(), req.HandleID)
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusNotFound {
			writeJSON(w, status, map[string]any{"error": "Handle not found", "handleId": req.HandleID})
			return
		}
		writeJSON(w, status, map[string]any{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.ClearHandles(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.Image(r.Context(), r.PathValue("handleId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBytes(w, s.images.ContentType(), data)
}

// ---------------------------------------------------------------------------
// Content store
// ---------------------------------------------------------------------------

type rangeRequest struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

func (s *Server) handleBlueprints(w http.ResponseWriter, r *http.Request) {
	if !s.requireContent(w) {
		return
	}
	metas, err := s.content.List(r.Context())
	if err != nil {
		writeError(w, contentError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blueprints": metas})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if !s.requireContent(w) {
		return
	}
	var req rangeRequest
	if err := decodeBody(w, r, rangeSchema, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	page, err := s.content.Range(r.Context(), req.Start, req.Count)
	if err != nil {
		writeError(w, contentError(err))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEquipmentStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireContent(w) {
		return
	}
	var req rangeRequest
	if err := decodeBody(w, r, rangeSchema, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	// Locate the store before the status line goes out.
	if err := s.content.Init(r.Context()); err != nil {
		writeError(w, contentError(err))
		return
	}

	w.Header().Set("Content-Type", NDJSONContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	n, err := s.content.StreamEquipment(r.Context(), req.Start, req.Count, w, flush)
	if err != nil {
		log.Warningf("equipment stream stopped after %d records: %s", n, err)
		return
	}
	log.Debugf("streamed %d equipment records", n)
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	if !s.requireContent(w) {
		return
	}
	id, ok := strings.CutSuffix(r.PathValue("file"), ".png")
	if !ok {
		s.handleNotFound(w, r)
		return
	}
	icon, _, err := s.content.Icon(r.Context(), id)
	if err != nil {
		writeError(w, contentError(err))
		return
	}
	ctx, cancel := s.call(r.Context())
	defer cancel()
	data, err := bridge.Do(ctx, s.run, func(context.Context) ([]byte, error) {
		return s.images.Encode(icon.Image)
	})
	if err != nil {
		writeError(w, ownerError(err))
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Icon is empty", "id": id})
		return
	}
	w.Header().Set("X-Icon-Path", icon.Path)
	writeBytes(w, s.images.ContentType(), data)
}

func (s *Server) requireContent(w http.ResponseWriter) bool {
	if s.content == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Content store not configured"})
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

type exportRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Export not configured"})
		return
	}
	var req exportRequest
	if err := decodeBody(w, r, exportSchema, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	if s.exporter.Running() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": export.ErrRunning.Error()})
		return
	}
	go func() {
		sum, err := s.exporter.Run(s.baseCtx, req.Reason)
		if err != nil {
			log.Errorf("export %q failed: %s", req.Reason, err)
			return
		}
		log.Infof("export %q wrote %d records to %s", req.Reason, sum.Written, sum.Dir)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "reason": req.Reason})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found", "path": r.URL.Path})
}

// ---------------------------------------------------------------------------
// Middleware and helpers
// ---------------------------------------------------------------------------

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Connect-Protocol-Version")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": fmt.Sprint(rec)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Warningf("writing response: %s", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Errorf("request failed: %s", err)
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeBytes(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Warningf("writing response: %s", err)
	}
}
