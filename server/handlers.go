package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/analyzer"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CreditsResponse is the response body for GET /api/credits.
type CreditsResponse struct {
	AccountID string                 `json:"accountId"`
	Kind      creditgate.AccountKind `json:"kind"`
	Credits   int64                  `json:"credits"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`

	// Action tells the client how to get more credits: "sign_in" or "upgrade".
	Action string `json:"action,omitempty"`
}

const (
	actionSignIn  = "sign_in"
	actionUpgrade = "upgrade"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCredits returns the caller's remaining credits.
func (s *Server) handleCredits(c echo.Context) error {
	acc := accountFrom(c)
	rec, err := s.quota.Balance(c.Request().Context(), acc)
	if err != nil {
		return s.writeError(c, acc, err)
	}
	return c.JSON(http.StatusOK, CreditsResponse{
		AccountID: acc.ID,
		Kind:      acc.Kind,
		Credits:   rec.Balance,
	})
}

// handleAnalyze charges one credit and runs the analysis.
func (s *Server) handleAnalyze(c echo.Context) error {
	acc := accountFrom(c)

	var in analyzer.ProjectInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	// Rejected input never touches the ledger.
	if err := in.Validate(); err != nil {
		return s.writeError(c, acc, err)
	}

	ctx := c.Request().Context()
	key := c.Request().Header.Get(headerIdempotencyKey)

	result, err := s.gate.Execute(ctx, acc, key, func(ctx context.Context) (analyzer.AnalysisResult, error) {
		return s.analyzer.Analyze(ctx, in)
	})
	if err != nil {
		return s.writeError(c, acc, err)
	}

	if rec, err := s.quota.Balance(context.WithoutCancel(ctx), acc); err == nil {
		c.Response().Header().Set(headerCreditsRemaining, strconv.FormatInt(rec.Balance, 10))
	}
	return c.JSON(http.StatusOK, result)
}

// writeError maps domain errors to HTTP responses.
func (s *Server) writeError(c echo.Context, acc creditgate.Account, err error) error {
	status, body := errorResponse(acc, err)
	if status == http.StatusPaymentRequired {
		c.Response().Header().Set(headerCreditsRemaining, "0")
	}
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("account", acc.ID),
			zap.String("kind", string(acc.Kind)),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.JSON(status, body)
}

func errorResponse(acc creditgate.Account, err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, analyzer.ErrInvalidInput):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, creditgate.ErrUnauthenticated):
		return http.StatusUnauthorized, ErrorResponse{Error: "invalid or expired token"}
	case errors.Is(err, creditgate.ErrInsufficientQuota):
		action := actionUpgrade
		if acc.Kind == creditgate.KindAnonymous {
			action = actionSignIn
		}
		return http.StatusPaymentRequired, ErrorResponse{Error: "no credits left", Action: action}
	case errors.Is(err, creditgate.ErrDuplicateReservation):
		return http.StatusConflict, ErrorResponse{Error: "request with this idempotency key was already accepted"}
	case errors.Is(err, creditgate.ErrExternalOpFailed):
		return http.StatusBadGateway, ErrorResponse{Error: "failed to analyze project, your credit was not used"}
	case creditgate.IsRetryable(err):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "service busy, try again"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}
