package handler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nameguard-service/internal/bucketing"
	"nameguard-service/internal/config"
	"nameguard-service/internal/credential"
	"nameguard-service/internal/fingerprint"
	"nameguard-service/internal/geo"
	"nameguard-service/internal/hashing"
	"nameguard-service/internal/lock"
	"nameguard-service/internal/repository"
	"nameguard-service/internal/service"
	"nameguard-service/internal/signals"
	"nameguard-service/internal/util"
)

const adminToken = "s3cret-admin"

type noPTR struct{}

func (noPTR) LookupAddr(context.Context, string) ([]string, error) { return nil, nil }

type plainOracle struct{}

func (plainOracle) Hash(p string) (string, error) { return "h:" + p, nil }

func (plainOracle) Verify(p, encoded string) (bool, error) { return encoded == "h:"+p, nil }

type testServer struct {
	router http.Handler
	store  *repository.MemoryStore
}

// newTestServer wires a service whose thresholds send every returning
// player without a platform ID to the credential challenge.
func newTestServer(t *testing.T, token string, health HealthFunc) *testServer {
	t.Helper()
	cfg := &config.Config{
		Verification: config.DefaultVerification(),
		Security: config.SecurityConfig{
			KickTemplate: "{reason}",
			Reasons:      config.DefaultReasons(),
		},
	}
	cfg.Verification.RateLimitEnabled = false
	cfg.Verification.AutoAllowScore = 101
	cfg.Verification.AllowMonitorScore = 101

	hasher, err := hashing.NewSignalHasher([]byte("handler-test"))
	require.NoError(t, err)
	clock := util.NewStubClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(nil)

	svc := service.NewVerificationService(service.Deps{
		Config:   cfg,
		Store:    store,
		Locker:   lock.NewKeyedMutex(bucketing.NewManager(config.BucketingConfig{LockShards: 2})),
		Builder:  fingerprint.NewBuilder(signals.NewDeriver(noPTR{}, time.Second, nil), hasher, clock),
		Geo:      geo.NewResolver(nil, time.Second, nil),
		Sessions: credential.NewMemorySessionStore(clock),
		Oracle:   plainOracle{},
		Clock:    clock,
	})

	router := NewRouter(
		NewVerificationHandler(svc, nil),
		NewAdminHandler(svc, token, nil),
		health,
		RouterOptions{},
		nil,
	)
	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func attempt(name, brand string) map[string]interface{} {
	return map[string]interface{}{
		"display_name":     name,
		"ip":               "127.0.0.1",
		"edition":          "java",
		"client_brand":     brand,
		"device_os":        "linux",
		"protocol_version": "765",
	}
}

func decisionOf(t *testing.T, body map[string]interface{}) (string, map[string]interface{}) {
	t.Helper()
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response has no data: %v", body)
	decision, _ := data["decision"].(map[string]interface{})
	return data["outcome"].(string), decision
}

func TestVerifyEndpoint(t *testing.T) {
	s := newTestServer(t, "", nil)

	t.Run("registers a new name", func(t *testing.T) {
		rec, body := s.do(t, http.MethodPost, "/api/v1/verify", attempt("Steve", "vanilla"), "")
		require.Equal(t, http.StatusOK, rec.Code)
		outcome, decision := decisionOf(t, body)
		assert.Equal(t, "allowed", outcome)
		assert.Equal(t, "registration", decision["trust_basis"])
		assert.Equal(t, true, decision["is_new_binding"])
		assert.NotEmpty(t, decision["session_id"])
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		rec, body := s.do(t, http.MethodPost, "/api/v1/verify", "{not json", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, body["success"])

		extra := attempt("Steve", "vanilla")
		extra["favourite_block"] = "dirt"
		rec, _ = s.do(t, http.MethodPost, "/api/v1/verify", extra, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an invalid address", func(t *testing.T) {
		bad := attempt("Steve", "vanilla")
		bad["ip"] = "999.1.1.1"
		rec, _ := s.do(t, http.MethodPost, "/api/v1/verify", bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("denied decisions are still 200", func(t *testing.T) {
		rec, body := s.do(t, http.MethodPost, "/api/v1/verify", attempt("!!!", "vanilla"), "")
		require.Equal(t, http.StatusOK, rec.Code)
		outcome, decision := decisionOf(t, body)
		assert.Equal(t, "denied", outcome)
		assert.Equal(t, "invalid_name", decision["reason"])
		assert.NotEmpty(t, decision["user_message"])
	})
}

func TestChallengeFlow(t *testing.T) {
	s := newTestServer(t, "", nil)

	_, body := s.do(t, http.MethodPost, "/api/v1/verify", attempt("Alex", "vanilla"), "")
	_, decision := decisionOf(t, body)
	first := decision["session_id"].(string)

	rec, body := s.do(t, http.MethodPost, "/api/v1/sessions/"+first+"/credential", map[string]string{"credential": "hunter2"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["registered"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/sessions/"+first+"/end", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, body = s.do(t, http.MethodPost, "/api/v1/verify", attempt("Alex", "fabric"), "")
	outcome, decision := decisionOf(t, body)
	require.Equal(t, "needs_challenge", outcome)
	assert.Equal(t, "reauthentication", decision["kind"])
	sid := decision["session_id"].(string)
	base := "/api/v1/sessions/" + sid

	rec, body = s.do(t, http.MethodGet, base+"/authorize?action=chat", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["data"].(map[string]interface{})["allowed"])

	rec, _ = s.do(t, http.MethodGet, base+"/authorize", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, base+"/credential", map[string]string{"credential": ""}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, body = s.do(t, http.MethodPost, base+"/credential", map[string]string{"credential": "wrong"}, "")
	res := body["data"].(map[string]interface{})
	assert.Equal(t, "rejected", res["outcome"])
	assert.Equal(t, float64(2), res["remaining_attempts"])

	_, body = s.do(t, http.MethodPost, base+"/credential", map[string]string{"credential": "hunter2"}, "")
	assert.Equal(t, "accepted", body["data"].(map[string]interface{})["outcome"])

	_, body = s.do(t, http.MethodGet, base+"/authorize?action=chat", nil, "")
	assert.Equal(t, true, body["data"].(map[string]interface{})["allowed"])

	rec, body = s.do(t, http.MethodGet, base, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := body["data"].(map[string]interface{})
	assert.Equal(t, "admitted", view["state"])
	assert.NotContains(t, view, "fingerprint")

	rec, _ = s.do(t, http.MethodPost, base+"/credential", map[string]string{"credential": "hunter2"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = s.do(t, http.MethodPost, base+"/end", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, base+"/end", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminatedSessionIsGone(t *testing.T) {
	s := newTestServer(t, "", nil)
	require.NoError(t, s.store.SetCredential(context.Background(), "notch", "h:right"))

	_, body := s.do(t, http.MethodPost, "/api/v1/verify", attempt("Notch", "vanilla"), "")
	_, decision := decisionOf(t, body)
	first := decision["session_id"].(string)
	s.do(t, http.MethodPost, "/api/v1/sessions/"+first+"/end", nil, "")

	_, body = s.do(t, http.MethodPost, "/api/v1/verify", attempt("Notch", "forge"), "")
	_, decision = decisionOf(t, body)
	base := "/api/v1/sessions/" + decision["session_id"].(string)

	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, base+"/credential", map[string]string{"credential": "nope"}, "")
	}
	rec, _ := s.do(t, http.MethodPost, base+"/credential", map[string]string{"credential": "right"}, "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t, adminToken, nil)

	_, body := s.do(t, http.MethodPost, "/api/v1/verify", attempt("Steve", "vanilla"), "")
	_, decision := decisionOf(t, body)
	require.NotEmpty(t, decision["session_id"])

	t.Run("requires the bearer token", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodGet, "/api/v1/admin/bindings", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		rec, _ = s.do(t, http.MethodGet, "/api/v1/admin/bindings", nil, "guess")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("lists and reads bindings", func(t *testing.T) {
		rec, body := s.do(t, http.MethodGet, "/api/v1/admin/bindings", nil, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), body["meta"].(map[string]interface{})["total"])
		first := body["data"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, "steve", first["key"])
		assert.Equal(t, "LOW", first["trust"])

		rec, body = s.do(t, http.MethodGet, "/api/v1/admin/bindings/STEVE", nil, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Steve", body["data"].(map[string]interface{})["preferred_name"])

		rec, _ = s.do(t, http.MethodGet, "/api/v1/admin/bindings/nobody", nil, adminToken)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("binds to the live session", func(t *testing.T) {
		rec, body := s.do(t, http.MethodPost, "/api/v1/admin/bindings/steve/bind", nil, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "LOCKED", body["data"].(map[string]interface{})["trust"])

		rec, _ = s.do(t, http.MethodPost, "/api/v1/admin/bindings/herobrine/bind", nil, adminToken)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("sets trust", func(t *testing.T) {
		rec, body := s.do(t, http.MethodPut, "/api/v1/admin/bindings/steve/trust", map[string]string{"trust": "medium"}, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "MEDIUM", body["data"].(map[string]interface{})["trust"])

		rec, _ = s.do(t, http.MethodPut, "/api/v1/admin/bindings/steve/trust", map[string]string{"trust": "godlike"}, adminToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("manages the allow-list", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodPut, "/api/v1/admin/allowlist/Herobrine", nil, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)

		_, body := s.do(t, http.MethodGet, "/api/v1/admin/allowlist", nil, adminToken)
		assert.Equal(t, []interface{}{"herobrine"}, body["data"])

		rec, _ = s.do(t, http.MethodDelete, "/api/v1/admin/allowlist/herobrine", nil, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		_, body = s.do(t, http.MethodGet, "/api/v1/admin/allowlist", nil, adminToken)
		assert.Empty(t, body["data"])
	})

	t.Run("reload without a policy file", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodPost, "/api/v1/admin/policy/reload", nil, adminToken)
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})

	t.Run("unbinds", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodDelete, "/api/v1/admin/bindings/steve", nil, adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		rec, _ = s.do(t, http.MethodDelete, "/api/v1/admin/bindings/steve", nil, adminToken)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	s := newTestServer(t, "", nil)
	rec, body := s.do(t, http.MethodGet, "/api/v1/admin/bindings", nil, "anything")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, "", func(context.Context) map[string]error { return nil })
		rec, body := s.do(t, http.MethodGet, "/health", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		s := newTestServer(t, "", func(context.Context) map[string]error {
			return map[string]error{"redis": errors.New("connection refused")}
		})
		rec, body := s.do(t, http.MethodGet, "/health", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "connection refused", body["errors"].(map[string]interface{})["redis"])
	})
}

func TestRequireHTTPS(t *testing.T) {
	router := NewRouter(nil, nil, nil, RouterOptions{RequireTLS: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "nameguard-service"))
}

func TestUnknownRoutes(t *testing.T) {
	s := newTestServer(t, "", nil)
	rec, _ := s.do(t, http.MethodGet, "/api/v1/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/v1/verify", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
