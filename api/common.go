// Package api implements the HTTP control plane: starting and stopping
// conversations, observing their state, and the websocket entry points.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/parley/types"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the serialized error payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 envelope around data.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError writes an error envelope, mapping the code to an HTTP status.
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := statusForCode(err.Code)
	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Error(err.Cause),
		)
	}
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: string(err.Code), Message: err.Message},
		Timestamp: time.Now().UTC(),
	})
}

func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidConfig:
		return http.StatusBadRequest
	case types.ErrUnknownAgent, types.ErrModelNotFound,
		types.ErrScenarioNotFound, types.ErrNoConversation:
		return http.StatusNotFound
	case types.ErrConversationActive:
		return http.StatusConflict
	case types.ErrLLMConnection, types.ErrToolFailure:
		return http.StatusBadGateway
	case types.ErrAgentTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
