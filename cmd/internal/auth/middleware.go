package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequestToken returns the bearer token, falling back to the access_token query parameter.
// Browsers cannot set headers on a WebSocket handshake, so the realtime endpoint accepts both.
func RequestToken(r *http.Request) string {
	if t := BearerToken(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Authenticate verifies the request token and returns the caller's participant id.
func Authenticate(v Verifier, r *http.Request, now time.Time) (string, error) {
	if v == nil {
		return "", ErrConfig
	}
	token := RequestToken(r)
	if token == "" {
		return "", ErrInvalidToken
	}
	claims, err := v.Verify(token, now)
	if err != nil {
		return "", err
	}
	return claims.ParticipantID, nil
}

// Require wraps next so that only requests with a valid token reach it.
// The participant id is stored in the request context (see ParticipantFrom).
func Require(v Verifier, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(v, r, time.Now().UTC())
			if err != nil {
				log.Info("auth.reject", "path", r.URL.Path, "err", err)
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), id)))
		})
	}
}

// WriteUnauthorized writes the 401 JSON body with a Bearer challenge.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("WWW-Authenticate", `Bearer realm="duet"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthorized", "message": "missing or invalid bearer token"},
	})
}
