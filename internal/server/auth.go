package server

import (
	"errors"
	"net/http"
	"strings"
)

var errNoToken = errors.New("no token")

// tokenFromRequest reads a bearer token from the Authorization header or,
// for websocket clients that cannot set headers, the token query parameter.
func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, found := strings.CutPrefix(auth, "Bearer ")
		if !found || token == "" {
			return "", errNoToken
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errNoToken
}
