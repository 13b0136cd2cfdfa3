package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mtaverner/toolgate/internal/execution"
	"github.com/mtaverner/toolgate/internal/status"
)

const (
	// signatureHeader carries the HMAC-SHA256 of the callback body, hex
	// encoded, optionally prefixed with "sha256=".
	signatureHeader = "X-Toolgate-Signature"

	maxCallbackBytes = 1 << 20
)

// handleCallbackComplete handles POST /callbacks/executions/{id}/complete.
// A 409 means the execution was already finalized (typically cancelled); the
// worker treats that as a successful delivery and stops retrying.
func (s *Server) handleCallbackComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var req CompleteCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OutputPath == "" {
		s.writeError(w, http.StatusBadRequest, "outputPath is required")
		return
	}

	err := s.statusSvc.ReportCompletion(r.Context(), id, status.CompletionReport{
		OutputPath: req.OutputPath,
		Metrics:    req.Metrics,
	})
	s.writeCallbackResult(w, id, err)
}

// handleCallbackFail handles POST /callbacks/executions/{id}/fail.
func (s *Server) handleCallbackFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}

	var req FailCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	message := req.Message
	if req.Error != "" {
		message = fmt.Sprintf("%s: %s", req.Error, req.Message)
	}

	err := s.statusSvc.ReportFailure(r.Context(), id, message)
	s.writeCallbackResult(w, id, err)
}

func (s *Server) writeCallbackResult(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, execution.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, execution.ErrConflict):
		s.writeError(w, http.StatusConflict, "execution already finalized")
	case err != nil:
		s.logger.Error("callback failed", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "callback failed")
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readSignedBody reads the callback body and verifies its HMAC signature.
// On failure it writes the error response and returns ok=false.
func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}

	if err := verifyCallbackSignature(body, r.Header.Get(signatureHeader), s.config.CallbackSecret); err != nil {
		s.writeError(w, http.StatusUnauthorized, "callback verification failed")
		return nil, false
	}
	return body, true
}

// verifyCallbackSignature checks an HMAC-SHA256 signature over the body using
// constant-time comparison. Errors are generic to avoid leaking which part
// of the check failed.
func verifyCallbackSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("callback verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("callback verification failed")
	}

	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("callback verification failed")
	}
	return nil
}

// signCallback computes the hex signature for a body. Exposed for tests and
// for workers implemented in Go.
func signCallback(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
