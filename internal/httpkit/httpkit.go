// Package httpkit gives dispatchd's admin HTTP surface small
// routing/JSON helpers: a thin wrapper over Go 1.22+'s method-routing
// ServeMux that turns a (status, body) handler into a JSON-encoding
// http.HandlerFunc.
package httpkit

import (
	"encoding/json"
	"net/http"
)

// Handler returns an HTTP status and a JSON-encodable body (or nil for
// no body).
type Handler func(w http.ResponseWriter, r *http.Request) (int, any)

// Endpoint registers endpt at "METHOD path" on router, JSON-encoding
// whatever it returns.
func Endpoint(router *http.ServeMux, method, path string, endpt Handler) {
	pattern := method + " " + path
	router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, resp := endpt(w, r)
		w.WriteHeader(status)
		if resp != nil {
			json.NewEncoder(w).Encode(resp)
		}
	})
}

// DecodeJSON reads and decodes r's body into v, returning a
// StatusBadRequest pair on failure for the caller to return directly.
func DecodeJSON[T any](r *http.Request, v *T) (int, error) {
	if r.Body == nil {
		return http.StatusBadRequest, errEmptyBody
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return http.StatusBadRequest, err
	}
	return http.StatusOK, nil
}

var errEmptyBody = &emptyBodyError{}

type emptyBodyError struct{}

func (*emptyBodyError) Error() string { return "httpkit: empty request body" }
