package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"carelink.org/internal/access"
	"carelink.org/internal/authz"
	"carelink.org/internal/breakglass"
	"carelink.org/internal/consent"
	"carelink.org/internal/obs"
	"carelink.org/internal/policy"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeAuthzError renders a typed pipeline error. Deny-derived errors
// carry the reason and the correlation id of the audit entry.
func writeAuthzError(w http.ResponseWriter, r *http.Request, e *authz.Error) {
	payload := map[string]any{
		"error":  string(e.Kind),
		"reason": e.Message,
	}
	if e.Kind == authz.KindInternal {
		payload["reason"] = "internal error"
	}
	if e.CorrelationID != "" {
		payload["correlation_id"] = e.CorrelationID
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, e.HTTPStatus(), payload)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *authz.Error
	switch {
	case errors.As(err, &ae):
		if ae.Kind == authz.KindInternal {
			obs.Error("request failed", err, map[string]any{
				"request_id":     RequestIDFromContext(r.Context()),
				"correlation_id": ae.CorrelationID,
				"path":           r.URL.Path,
			})
		}
		writeAuthzError(w, r, ae)
	case errors.Is(err, access.ErrInvalidRequest),
		errors.Is(err, consent.ErrInvalidInput),
		errors.Is(err, breakglass.ErrInvalidInput),
		errors.Is(err, breakglass.ErrReasonRequired):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, consent.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "consent not found")
	case errors.Is(err, policy.ErrReloadDisabled):
		writeError(w, r, http.StatusNotFound, "reload disabled")
	case errors.Is(err, consent.ErrConflict),
		errors.Is(err, consent.ErrAlreadyRevoked),
		errors.Is(err, breakglass.ErrAlreadyActive):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
