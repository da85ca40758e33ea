package server

import (
	"encoding/json"
	"net/http"

	"github.com/pipehost/pipehost/internal/pipeline"
)

// writeError maps a core error to the unified envelope
// {"error":{"message","type","code"}}. The message is the error text; stack
// traces never leave the process.
func writeError(w http.ResponseWriter, err error) {
	writeErrorEnvelope(w,
		pipeline.HTTPStatus(err),
		err.Error(),
		pipeline.ErrorType(err),
		pipeline.ErrorCode(err))
}

func writeErrorEnvelope(w http.ResponseWriter, status int, message, errType, code string) {
	errObj := map[string]any{
		"message": message,
		"type":    errType,
	}
	if code != "" {
		errObj["code"] = code
	}
	writeJSON(w, status, map[string]any{"error": errObj})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
