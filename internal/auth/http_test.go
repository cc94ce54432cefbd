// ABOUTME: Tests for the operator token middleware
// ABOUTME: Covers header extraction, query fallback, and rejection paths

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var httpTestSecret = []byte("http-middleware-test-secret-32b!")

func protectedHandler(gotOperator *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := OperatorFrom(r.Context()); ok {
			*gotOperator = id
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireToken_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(httpTestSecret)
	token, _ := verifier.Generate("operator-maria", time.Hour)

	var gotOperator string
	handler := RequireToken(verifier)(protectedHandler(&gotOperator))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if gotOperator != "operator-maria" {
		t.Errorf("expected operator-maria in context, got %q", gotOperator)
	}
}

func TestRequireToken_QueryFallback(t *testing.T) {
	verifier := NewJWTVerifier(httpTestSecret)
	token, _ := verifier.Generate("operator-maria", time.Hour)

	var gotOperator string
	handler := RequireToken(verifier)(protectedHandler(&gotOperator))

	// EventSource-style request: no headers, token in the query string
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/stream?access_token="+token, nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if gotOperator != "operator-maria" {
		t.Errorf("expected operator-maria in context, got %q", gotOperator)
	}
}

func TestRequireToken_HeaderWinsOverQuery(t *testing.T) {
	verifier := NewJWTVerifier(httpTestSecret)
	headerToken, _ := verifier.Generate("operator-header", time.Hour)
	queryToken, _ := verifier.Generate("operator-query", time.Hour)

	var gotOperator string
	handler := RequireToken(verifier)(protectedHandler(&gotOperator))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats?access_token="+queryToken, nil)
	req.Header.Set("Authorization", "Bearer "+headerToken)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if gotOperator != "operator-header" {
		t.Errorf("expected header token to win, got %q", gotOperator)
	}
}

func TestRequireToken_Rejections(t *testing.T) {
	verifier := NewJWTVerifier(httpTestSecret)
	expired, _ := verifier.Generate("operator-maria", -time.Hour)

	tests := []struct {
		name       string
		authHeader string
		wantBody   string
	}{
		{
			name:     "missing header",
			wantBody: "missing authorization header",
		},
		{
			name:       "wrong scheme",
			authHeader: "Basic dXNlcjpwYXNz",
			wantBody:   "invalid authorization header format",
		},
		{
			name:       "empty bearer",
			authHeader: "Bearer ",
			wantBody:   "empty token",
		},
		{
			name:       "garbage token",
			authHeader: "Bearer not-a-jwt",
			wantBody:   "invalid token",
		},
		{
			name:       "expired token",
			authHeader: "Bearer " + expired,
			wantBody:   "token expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOperator string
			handler := RequireToken(verifier)(protectedHandler(&gotOperator))

			req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantBody)
			}
			if gotOperator != "" {
				t.Errorf("handler ran despite rejection, operator %q", gotOperator)
			}
		})
	}
}
