package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nirmalarya/autograph-sub002/internal/ws"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// WebSocket sync endpoint: /ws/diagrams/{id}?token=...
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/ws/diagrams/") {
		diagramID := strings.TrimPrefix(r.URL.Path, "/ws/diagrams/")
		if diagramID == "" || strings.Contains(diagramID, "/") {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path", nil)
			return
		}
		clientID, err := s.service.Authenticate(bearerOrQueryToken(r))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		ws.Serve(w, r, s.service.Hub(), clientID, diagramID)
		return
	}

	// REST surface: /api/diagrams/{id}/{log|state|room|maintenance}
	if strings.HasPrefix(r.URL.Path, "/api/diagrams/") {
		rest := strings.TrimPrefix(r.URL.Path, "/api/diagrams/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path", nil)
			return
		}
		diagramID, resource := parts[0], parts[1]

		switch {
		case r.Method == http.MethodGet && resource == "log":
			s.handleDiagramLog(w, r, diagramID)
			return
		case r.Method == http.MethodGet && resource == "state":
			s.handleDiagramState(w, r, diagramID)
			return
		case r.Method == http.MethodGet && resource == "room":
			s.handleRoomStats(w, r, diagramID)
			return
		case resource == "maintenance" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
			s.handleMaintenance(w, r, diagramID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path", nil)
}

func (s *HTTPServer) handleDiagramLog(w http.ResponseWriter, r *http.Request, diagramID string) {
	if _, err := s.service.Authenticate(bearerOrQueryToken(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "MALFORMED", "after must be a non-negative integer", nil)
			return
		}
		after = parsed
	}
	ops, err := s.service.DiagramLog(r.Context(), diagramID, after)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": diagramID, "operations": ops})
}

func (s *HTTPServer) handleDiagramState(w http.ResponseWriter, r *http.Request, diagramID string) {
	if _, err := s.service.Authenticate(bearerOrQueryToken(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	state, err := s.service.DiagramState(r.Context(), diagramID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": diagramID, "state": state})
}

func (s *HTTPServer) handleRoomStats(w http.ResponseWriter, r *http.Request, diagramID string) {
	if _, err := s.service.Authenticate(bearerOrQueryToken(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.RoomStats(diagramID))
}

type maintenanceInput struct {
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *HTTPServer) handleMaintenance(w http.ResponseWriter, r *http.Request, diagramID string) {
	if err := s.service.AdminToken(bearerOrQueryToken(r)); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if r.Method == http.MethodDelete {
		if err := s.service.UnlockDiagram(r.Context(), diagramID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"diagram_id": diagramID, "locked": false})
		return
	}

	var input maintenanceInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED", err.Error(), nil)
		return
	}
	ttl := time.Duration(input.TTLSeconds) * time.Second
	if err := s.service.LockDiagram(r.Context(), diagramID, input.Reason, ttl); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": diagramID, "locked": true})
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	var derr *DomainError
	if errors.As(err, &derr) {
		writeError(w, derr.Status, derr.Code, derr.Message, derr.Details)
		return
	}
	status, code := statusFor(err)
	writeError(w, status, code, err.Error(), nil)
}

func bearerOrQueryToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// WebSocket clients cannot always set headers; the token rides a query
	// parameter there.
	return r.URL.Query().Get("token")
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			// The websocket upgrade needs the raw ResponseWriter and sets
			// its own headers.
			setCORSHeaders(writer.Header(), s.corsOrigin)
			writer.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(writer, r)
		} else {
			next.ServeHTTP(w, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
