package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyUserClaims   = "auth_claims"
	contextKeyGuestSession = "guest_session"
)

// SessionClaims is the signed cookie payload. Account sessions carry
// UserID; guest sessions carry only the registered Subject.
type SessionClaims struct {
	UserID string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidator verifies HS256 session cookies.
type SessionValidator struct {
	signingKey []byte
	issuer     string
	cookieName string
}

// NewSessionValidator builds a validator for one cookie.
func NewSessionValidator(signingKey []byte, issuer string, cookieName string) (*SessionValidator, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("signing key is required")
	}
	if cookieName == "" {
		return nil, errors.New("cookie name is required")
	}
	return &SessionValidator{
		signingKey: signingKey,
		issuer:     issuer,
		cookieName: cookieName,
	}, nil
}

func (validator *SessionValidator) parseCookie(request *http.Request) (*SessionClaims, error) {
	cookie, err := request.Cookie(validator.cookieName)
	if err != nil {
		return nil, err
	}
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if validator.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(validator.issuer))
	}
	token, err := jwt.ParseWithClaims(cookie.Value, &SessionClaims{}, func(*jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, parserOptions...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}

// GinMiddleware authenticates account sessions and stores claims on the
// request context.
func (validator *SessionValidator) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := validator.parseCookie(ctx.Request)
		if err != nil || claims.UserID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid session"))
			return
		}
		ctx.Set(contextKeyUserClaims, claims)
		ctx.Next()
	}
}

// GinGuestMiddleware authenticates guest sessions; the token subject is the
// verified session id.
func (validator *SessionValidator) GinGuestMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := validator.parseCookie(ctx.Request)
		if err != nil || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid guest session"))
			return
		}
		ctx.Set(contextKeyGuestSession, claims.Subject)
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(contextKeyUserClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}

func getGuestSession(ctx *gin.Context) string {
	sessionValue, ok := ctx.Get(contextKeyGuestSession)
	if !ok {
		return ""
	}
	session, _ := sessionValue.(string)
	return session
}
