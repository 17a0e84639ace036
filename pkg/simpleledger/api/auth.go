package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
)

// AccessTokenCookie is the cookie the web client stores its JWT in.
const AccessTokenCookie = "accessToken"

type ownerKey struct{}

// NewAuth returns an HS256 verifier for secret.
func NewAuth(secret string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(secret), nil)
}

// TokenFromAccessCookie reads the JWT from the accessToken cookie.
func TokenFromAccessCookie(r *http.Request) string {
	cookie, err := r.Cookie(AccessTokenCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Authenticate verifies the request JWT, taken from the accessToken cookie
// or the Authorization header, and stores the numeric "id" claim as the
// owner. Missing tokens get 401, invalid ones 403.
func Authenticate(ja *jwtauth.JWTAuth) func(http.Handler) http.Handler {
	verify := jwtauth.Verify(ja, TokenFromAccessCookie, jwtauth.TokenFromHeader)
	return func(next http.Handler) http.Handler {
		return verify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, claims, err := jwtauth.FromContext(r.Context())
			if errors.Is(err, jwtauth.ErrNoTokenFound) {
				writeJSON(w, r, http.StatusUnauthorized, ErrorResponse{Error: "not_logged_in"})
				return
			}
			if err != nil || token == nil {
				writeJSON(w, r, http.StatusForbidden, ErrorResponse{Error: "invalid_token"})
				return
			}
			owner, ok := ownerClaim(claims["id"])
			if !ok {
				writeJSON(w, r, http.StatusForbidden, ErrorResponse{Error: "invalid_token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
		}))
	}
}

// OwnerFromContext returns the authenticated owner id.
func OwnerFromContext(ctx context.Context) (int64, bool) {
	owner, ok := ctx.Value(ownerKey{}).(int64)
	return owner, ok
}

func ownerClaim(v interface{}) (int64, bool) {
	var id int64
	switch c := v.(type) {
	case float64:
		if c != float64(int64(c)) {
			return 0, false
		}
		id = int64(c)
	case json.Number:
		n, err := c.Int64()
		if err != nil {
			return 0, false
		}
		id = n
	case string:
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			return 0, false
		}
		id = n
	default:
		return 0, false
	}
	return id, id > 0
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}
