package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ineyio/creditgate"
)

const (
	contextKeyAccount      = "creditgate.account"
	anonymousCookieMaxAge  = 365 * 24 * time.Hour
	headerIdempotencyKey   = "Idempotency-Key"
	headerCreditsRemaining = "X-Credits-Remaining"
)

// identify resolves the caller's account and stores it on the context.
// A freshly minted anonymous ID is echoed back as a header and a cookie so
// the client keeps using the same balance.
func (s *Server) identify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := s.resolver.Resolve(c.Request())
		if err != nil {
			if errors.Is(err, creditgate.ErrUnauthenticated) {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or expired token"})
			}
			return err
		}

		acc := res.Account
		if acc.Kind == creditgate.KindAnonymous {
			if name := s.resolver.HeaderName(); name != "" {
				c.Response().Header().Set(name, acc.ID)
			}
			if res.Generated && s.resolver.CookieName() != "" {
				c.SetCookie(&http.Cookie{
					Name:     s.resolver.CookieName(),
					Value:    acc.ID,
					Path:     "/",
					MaxAge:   int(anonymousCookieMaxAge / time.Second),
					HttpOnly: true,
					Secure:   c.Scheme() == "https",
					SameSite: http.SameSiteLaxMode,
				})
			}
		}

		c.Set(contextKeyAccount, acc)
		return next(c)
	}
}

func accountFrom(c echo.Context) creditgate.Account {
	acc, _ := c.Get(contextKeyAccount).(creditgate.Account)
	return acc
}
