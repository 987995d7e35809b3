package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"danmuhub/models"
)

// Compat error codes. Errors are always served with HTTP 200; the code
// inside the envelope carries the real status.
const (
	codeInputInvalid = 1001
	codeNotFound     = 1003
	codeInternal     = 500
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response failed: %v", err)
	}
}

// writeCompatError emits the unified envelope. httpStatus is the logical
// status (400, 403, 404, 500); the wire status is always 200.
func writeCompatError(w http.ResponseWriter, httpStatus int, message string) {
	code := codeInternal
	switch httpStatus {
	case http.StatusBadRequest:
		code = codeInputInvalid
	case http.StatusForbidden, http.StatusNotFound:
		code = codeNotFound
	}
	writeJSON(w, models.DandanEnvelope{Success: false, ErrorCode: code, ErrorMessage: message})
}
