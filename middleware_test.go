package main

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key"

func makeToken(sub string, secret string, method jwt.SigningMethod) string {
	claims := jwt.MapClaims{"sub": sub}
	token := jwt.NewWithClaims(method, claims)
	s, _ := token.SignedString([]byte(secret))
	return s
}

func makeTokenWithExp(sub string, secret string, exp time.Time) string {
	claims := jwt.MapClaims{"sub": sub, "exp": jwt.NewNumericDate(exp)}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, _ := token.SignedString([]byte(secret))
	return s
}

// jwtTestMux creates a mux with a single route so that PathValue is populated.
func jwtTestMux(auth func(http.Handler) http.Handler, inner http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/owners/{ownerId}/settings", auth(inner))
	return mux
}

func mustNotRun(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	token := makeToken("owner1", testSecret, jwt.SigningMethodHS256)
	auth := JWTAuth(testSecret, "", false)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Fatal("expected claims in context")
		}
		if claims.Subject != "owner1" {
			t.Fatalf("expected sub=owner1, got %s", claims.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})

	mux := jwtTestMux(auth, inner)
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestJWTAuth_MintedToken(t *testing.T) {
	token, err := MintToken(testSecret, "extrelay", "owner1", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	auth := JWTAuth(testSecret, "extrelay", false)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		if claims.Subject != "owner1" {
			t.Fatalf("expected sub=owner1, got %s", claims.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})

	mux := jwtTestMux(auth, inner)
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestJWTAuth_MissingHeader(t *testing.T) {
	auth := JWTAuth(testSecret, "", false)

	mux := jwtTestMux(auth, mustNotRun(t))
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJWTAuth_InvalidToken(t *testing.T) {
	auth := JWTAuth(testSecret, "", false)

	mux := jwtTestMux(auth, mustNotRun(t))
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	token := makeToken("owner1", "wrong-secret", jwt.SigningMethodHS256)
	auth := JWTAuth(testSecret, "", false)

	mux := jwtTestMux(auth, mustNotRun(t))
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJWTAuth_ExpiredToken(t *testing.T) {
	token := makeTokenWithExp("owner1", testSecret, time.Now().Add(-1*time.Hour))
	auth := JWTAuth(testSecret, "", false)

	mux := jwtTestMux(auth, mustNotRun(t))
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJWTAuth_BadFormat(t *testing.T) {
	auth := JWTAuth(testSecret, "", false)

	mux := jwtTestMux(auth, mustNotRun(t))
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "NotBearer token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestJWTAuth_IssuerValidation(t *testing.T) {
	// Token without issuer, but middleware expects one
	claims := jwt.MapClaims{"sub": "owner1"}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, _ := token.SignedString([]byte(testSecret))

	auth := JWTAuth(testSecret, "expected-issuer", false)

	mux := jwtTestMux(auth, mustNotRun(t))
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: token without matching issuer should be rejected", w.Code)
	}
}

func TestJWTAuth_DevBypass(t *testing.T) {
	auth := JWTAuth(testSecret, "", true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Fatal("expected claims in context")
		}
		if claims.Subject != "owner1" {
			t.Fatalf("expected sub=owner1, got %s", claims.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})

	mux := jwtTestMux(auth, inner)
	req := httptest.NewRequest("GET", "/api/v1/owners/owner1/settings", nil)
	// No Authorization header; the bypass takes the owner from X-Owner-ID.
	req.Header.Set(devOwnerHeader, "owner1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestJWTAuth_DevBypassDefaultOwner(t *testing.T) {
	auth := JWTAuth(testSecret, "", true)

	var got string
	handler := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())
		got = claims.Subject
	}))

	req := httptest.NewRequest("POST", relayPath, nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "dev" {
		t.Fatalf("expected sub=dev, got %q", got)
	}
}

func TestJWTAuth_HealthzSkipsAuth(t *testing.T) {
	auth := JWTAuth(testSecret, "", false)

	handler := auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORS("chrome-extension://abcdef")(inner)

	// Normal request
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "chrome-extension://abcdef" {
		t.Fatalf("expected CORS origin header, got %s", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), devOwnerHeader) {
		t.Fatalf("expected %s in allowed headers", devOwnerHeader)
	}

	// Preflight request
	req = httptest.NewRequest("OPTIONS", "/test", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS, got %d", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := Recovery(logger)(inner)
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var seenID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := RequestLogging(logger)(inner)
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if seenID == "" || w.Header().Get("X-Request-ID") != seenID {
		t.Fatalf("expected request id %q in response header, got %q", seenID, w.Header().Get("X-Request-ID"))
	}

	logOutput := buf.String()
	if logOutput == "" {
		t.Fatal("expected log output, got nothing")
	}
	if !strings.Contains(logOutput, "GET") || !strings.Contains(logOutput, "/test") {
		t.Fatalf("expected log to contain method and path, got: %s", logOutput)
	}
}

func TestRequestLogging_KeepsCallerID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("expected caller's request id, got %q", got)
	}
}
