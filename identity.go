package creditgate

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Resolution is the outcome of resolving a request to an account.
type Resolution struct {
	Account Account

	// Generated is true when the anonymous ID was minted for this request and
	// must be handed back to the client to keep it stable.
	Generated bool
}

// Resolver maps inbound requests to accounts.
type Resolver struct {
	secret []byte
	issuer string
	header string
	cookie string
	newID  func() string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithIssuer requires authenticated tokens to carry this issuer.
func WithIssuer(iss string) ResolverOption {
	return func(r *Resolver) { r.issuer = iss }
}

// WithAnonymousHeader sets the request header carrying the anonymous ID.
func WithAnonymousHeader(name string) ResolverOption {
	return func(r *Resolver) { r.header = name }
}

// WithAnonymousCookie sets the cookie carrying the anonymous ID.
func WithAnonymousCookie(name string) ResolverOption {
	return func(r *Resolver) { r.cookie = name }
}

// NewResolver creates a Resolver. With an empty secret every request is
// treated as anonymous and bearer tokens are rejected.
func NewResolver(secret string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		secret: []byte(secret),
		header: "X-Anonymous-ID",
		cookie: "creditgate_anon",
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewResolverFromConfig creates a Resolver from auth settings.
func NewResolverFromConfig(cfg AuthConfig) *Resolver {
	return NewResolver(cfg.JWTSecret,
		WithIssuer(cfg.Issuer),
		WithAnonymousHeader(cfg.AnonymousHeader),
		WithAnonymousCookie(cfg.AnonymousCookie),
	)
}

// HeaderName returns the header used for anonymous IDs.
func (r *Resolver) HeaderName() string { return r.header }

// CookieName returns the cookie used for anonymous IDs.
func (r *Resolver) CookieName() string { return r.cookie }

// Resolve returns the account a request acts as. A bearer token must verify;
// an invalid one is ErrUnauthenticated rather than a fallback to guest access.
func (r *Resolver) Resolve(req *http.Request) (Resolution, error) {
	if token := bearerToken(req); token != "" {
		sub, err := r.verify(token)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Account: Account{ID: sub, Kind: KindAuthenticated}}, nil
	}

	if id := r.anonymousID(req); id != "" {
		return Resolution{Account: Account{ID: id, Kind: KindAnonymous}}, nil
	}

	return Resolution{
		Account:   Account{ID: r.newID(), Kind: KindAnonymous},
		Generated: true,
	}, nil
}

func (r *Resolver) verify(token string) (string, error) {
	if len(r.secret) == 0 {
		return "", fmt.Errorf("%w: authentication is not configured", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// anonymousID returns a client-held anonymous ID if it is a well-formed UUID.
func (r *Resolver) anonymousID(req *http.Request) string {
	var candidates []string
	if r.header != "" {
		candidates = append(candidates, req.Header.Get(r.header))
	}
	if r.cookie != "" {
		if c, err := req.Cookie(r.cookie); err == nil {
			candidates = append(candidates, c.Value)
		}
	}
	for _, c := range candidates {
		if id, err := uuid.Parse(strings.TrimSpace(c)); err == nil {
			return id.String()
		}
	}
	return ""
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}
