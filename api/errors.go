package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kostush/purchase-gateway-sub010/command"
)

type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error      problem             `json:"error"`
	NextAction *command.NextAction `json:"nextAction,omitempty"`
}

// statusFor maps a command error code to its HTTP status.
func statusFor(code command.Code) int {
	switch code {
	case command.CodeInvalidCommand,
		command.CodeMissingRedirectURL,
		command.CodeMissingParesAndMD,
		command.CodeMissingThreeDParameters,
		command.CodeMissingTransactionID:
		return http.StatusBadRequest
	case command.CodeSessionNotFound, command.CodeSiteNotFound:
		return http.StatusNotFound
	case command.CodeBlockedDueToFraudAdvice:
		return http.StatusForbidden
	case command.CodeSessionAlreadyProcessed, command.CodeIllegalStateTransition:
		return http.StatusUnprocessableEntity
	case command.CodeConcurrentUpdate, command.CodeTransactionStillPending:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *command.Error
	if !errors.As(err, &cerr) {
		s.logger.ErrorContext(r.Context(), "unexpected handler error", "path", r.URL.Path, "error", err)
		writeProblem(w, http.StatusInternalServerError, string(command.CodeInternal), "internal error")
		return
	}
	status := statusFor(cerr.Code)
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "purchase request failed",
		"path", r.URL.Path, "code", string(cerr.Code), "error", err)

	msg := cerr.Message
	if status >= http.StatusInternalServerError {
		msg = "internal error"
		if cerr.Code == command.CodeDependencyFailure {
			msg = cerr.Message
		}
	}
	writeJSON(w, status, errorResponse{
		Error:      problem{Code: string(cerr.Code), Message: msg},
		NextAction: cerr.NextAction,
	})
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: problem{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
