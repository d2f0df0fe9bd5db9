package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goevery/chatrelay/internal/ierr"
)

const (
	Audience     = "chatrelay"
	ScopePublish = "publish"
)

type Claims struct {
	jwt.RegisteredClaims
	DeviceType string   `json:"deviceType,omitempty"`
	Scope      []string `json:"scope,omitempty"`
}

type Authentication struct {
	Subject    string
	DeviceType string
	Scope      []string
	IsAdmin    bool
}

// IsPublisher reports whether the caller may push events and manage sessions.
func (a *Authentication) IsPublisher() bool {
	return a.IsAdmin || slices.Contains(a.Scope, ScopePublish)
}

type contextKey string

const authenticationKey contextKey = "authentication"

func WithAuthentication(ctx context.Context, auth *Authentication) context.Context {
	return context.WithValue(ctx, authenticationKey, auth)
}

func AuthenticationFromContext(ctx context.Context) (*Authentication, bool) {
	auth, ok := ctx.Value(authenticationKey).(*Authentication)
	return auth, ok
}

// Internal is the authentication of in-process producers such as the NATS
// ingress.
func Internal(subject string) *Authentication {
	return &Authentication{
		Subject: subject,
		Scope:   []string{ScopePublish},
		IsAdmin: true,
	}
}

type Authenticator struct {
	secret    []byte
	apiKeys   []string
	jwtParser *jwt.Parser
}

func NewAuthenticator(secret string, apiKeys []string) *Authenticator {
	jwtParser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithAudience(Audience),
	)

	return &Authenticator{
		secret:    []byte(secret),
		apiKeys:   apiKeys,
		jwtParser: jwtParser,
	}
}

// SocketTokensRequired reports whether socket handshakes must carry a token.
// Without a secret the identity in the handshake is trusted as is.
func (a *Authenticator) SocketTokensRequired() bool {
	return len(a.secret) > 0
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("unexpected signing method"))
	}
	return a.secret, nil
}

func (a *Authenticator) AuthenticateJWT(tokenString string) (*Authentication, error) {
	claims := Claims{}

	_, err := a.jwtParser.ParseWithClaims(tokenString, &claims, a.keyFunc)
	if err != nil {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid subject claim"))
	}

	return &Authentication{
		Subject:    subject,
		DeviceType: claims.DeviceType,
		Scope:      claims.Scope,
		IsAdmin:    false,
	}, nil
}

// AuthenticateSocket verifies that tokenString was issued to userId and, when
// the token names a device type, to deviceType as well.
func (a *Authenticator) AuthenticateSocket(tokenString, userId, deviceType string) (*Authentication, error) {
	if tokenString == "" {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("token is required"))
	}

	authentication, err := a.AuthenticateJWT(tokenString)
	if err != nil {
		return nil, err
	}

	if authentication.Subject != userId {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("token subject does not match userId"))
	}

	if authentication.DeviceType != "" && authentication.DeviceType != deviceType {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("token device type does not match deviceType"))
	}

	return authentication, nil
}

func (a *Authenticator) AuthenticateAPIKey(apiKey string) (*Authentication, error) {
	for _, key := range a.apiKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			return &Authentication{
				Subject: "api",
				Scope:   []string{ScopePublish},
				IsAdmin: true,
			}, nil
		}
	}

	return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("invalid api key"))
}
