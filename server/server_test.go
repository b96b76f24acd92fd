package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/analyzer"
	"github.com/ineyio/creditgate/provider/mock"
	"github.com/ineyio/creditgate/quota"
)

const testSecret = "test-secret"

func setupTestServer(t *testing.T, providers ...analyzer.Provider) *Server {
	t.Helper()
	if len(providers) == 0 {
		providers = []analyzer.Provider{mock.New()}
	}

	svc, err := creditgate.NewService(creditgate.DefaultConfig().Quota,
		creditgate.WithLedger(creditgate.KindAnonymous, quota.NewMemoryLedger()),
		creditgate.WithLedger(creditgate.KindAuthenticated, quota.NewMemoryLedger()),
		creditgate.WithReservationStore(quota.NewMemoryReservations()),
	)
	require.NoError(t, err)

	an, err := analyzer.New(providers)
	require.NoError(t, err)

	server, err := NewServer(
		svc,
		creditgate.NewGate[analyzer.AnalysisResult](svc, creditgate.WithOperationTimeout(time.Second)),
		an,
		creditgate.NewResolver(testSecret),
		zap.NewNop(),
		&Config{Addr: ":0", BodyLimit: "64K", Registry: prometheus.NewRegistry()},
	)
	require.NoError(t, err)
	return server
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func analyzeBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(analyzer.ProjectInput{
		ProjectIdea:  "Recipe sharing app",
		SkillLevel:   analyzer.SkillIntermediate,
		TeamSize:     analyzer.TeamSmall,
		TotalWeeks:   6,
		HoursPerWeek: 15,
		Platform:     analyzer.PlatformMobile,
	})
	require.NoError(t, err)
	return body
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func postAnalyze(t *testing.T, s *Server, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader(analyzeBody(t)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(s, req)
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		s := setupTestServer(t)
		_, err := NewServer(s.quota, s.gate, s.analyzer, s.resolver, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("accepts config without address", func(t *testing.T) {
		s := setupTestServer(t)
		server, err := NewServer(s.quota, s.gate, s.analyzer, s.resolver, zap.NewNop(), &Config{Registry: prometheus.NewRegistry()})
		require.NoError(t, err)
		assert.Equal(t, "", server.config.Addr)
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := do(server, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleCredits(t *testing.T) {
	t.Run("new anonymous caller gets an id and the default grant", func(t *testing.T) {
		server := setupTestServer(t)

		rec := do(server, httptest.NewRequest(http.MethodGet, "/api/credits", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp CreditsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, creditgate.KindAnonymous, resp.Kind)
		assert.Equal(t, int64(3), resp.Credits)

		_, err := uuid.Parse(resp.AccountID)
		require.NoError(t, err)
		assert.Equal(t, resp.AccountID, rec.Header().Get("X-Anonymous-ID"))

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "creditgate_anon", cookies[0].Name)
		assert.Equal(t, resp.AccountID, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("authenticated caller", func(t *testing.T) {
		server := setupTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
		req.Header.Set("Authorization", bearer(t, "user-42"))

		rec := do(server, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp CreditsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "user-42", resp.AccountID)
		assert.Equal(t, creditgate.KindAuthenticated, resp.Kind)
		assert.Equal(t, int64(10), resp.Credits)
		assert.Empty(t, rec.Result().Cookies())
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		server := setupTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")

		rec := do(server, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandleAnalyze(t *testing.T) {
	t.Run("success charges one credit", func(t *testing.T) {
		server := setupTestServer(t)
		anon := uuid.NewString()

		rec := postAnalyze(t, server, map[string]string{"X-Anonymous-ID": anon})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "2", rec.Header().Get(headerCreditsRemaining))
		var result analyzer.AnalysisResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.NotEmpty(t, result.Features.Core)
	})

	t.Run("guest runs out after three and is asked to sign in", func(t *testing.T) {
		server := setupTestServer(t)
		headers := map[string]string{"X-Anonymous-ID": uuid.NewString()}

		for i := range 3 {
			rec := postAnalyze(t, server, headers)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, strconv.Itoa(2-i), rec.Header().Get(headerCreditsRemaining))
		}

		rec := postAnalyze(t, server, headers)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, actionSignIn, resp.Action)
	})

	t.Run("provider failure is refunded", func(t *testing.T) {
		server := setupTestServer(t, mock.New(mock.WithError(analyzer.ErrProviderUnavailable)))
		anon := uuid.NewString()

		rec := postAnalyze(t, server, map[string]string{"X-Anonymous-ID": anon})
		assert.Equal(t, http.StatusBadGateway, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
		req.Header.Set("X-Anonymous-ID", anon)
		credits := do(server, req)
		var resp CreditsResponse
		require.NoError(t, json.Unmarshal(credits.Body.Bytes(), &resp))
		assert.Equal(t, int64(3), resp.Credits)
	})

	t.Run("invalid input is rejected without a charge", func(t *testing.T) {
		server := setupTestServer(t)
		anon := uuid.NewString()

		req := httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader([]byte(`{"projectIdea": ""}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Anonymous-ID", anon)
		rec := do(server, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(server, func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
			r.Header.Set("X-Anonymous-ID", anon)
			return r
		}())
		var resp CreditsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(3), resp.Credits)
	})

	t.Run("repeated idempotency key conflicts", func(t *testing.T) {
		server := setupTestServer(t)
		headers := map[string]string{
			"Authorization":      bearer(t, "user-7"),
			headerIdempotencyKey: "req-1",
		}

		first := postAnalyze(t, server, headers)
		require.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, "9", first.Header().Get(headerCreditsRemaining))

		second := postAnalyze(t, server, headers)
		assert.Equal(t, http.StatusConflict, second.Code)
	})

	t.Run("authenticated caller out of credits is asked to upgrade", func(t *testing.T) {
		status, body := errorResponse(creditgate.Account{ID: "u", Kind: creditgate.KindAuthenticated}, creditgate.ErrInsufficientQuota)
		assert.Equal(t, http.StatusPaymentRequired, status)
		assert.Equal(t, actionUpgrade, body.Action)
	})
}

func TestErrorResponse_Retryable(t *testing.T) {
	status, _ := errorResponse(creditgate.Account{}, creditgate.ErrContention)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = errorResponse(creditgate.Account{}, creditgate.ErrStorageUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	do(server, httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := do(server, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "creditgate_http_requests_total")
}
