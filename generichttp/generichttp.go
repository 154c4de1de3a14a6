// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi"

	"github.com/pengusystems/rhodes/server"
)

// MethodPath is an HTTP method and a chi route pattern
type MethodPath struct {
	Method, Path string
}

func (mp MethodPath) String() string {
	return mp.Method + " " + mp.Path
}

// RouteTable maps method and path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// HTTPer is anything that exposes a route table
type HTTPer interface {
	RT() RouteTable
}

// Bind registers every route of the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
}

// Endpoints lists the routes in the table as "METHOD /path", sorted by path
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path == keys[j].Path {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Path < keys[j].Path
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// MarshalJSON encodes the table as its list of endpoints
func (rt RouteTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(rt.Endpoints())
}

// get returns a handler that replies with the value of fcn as a HumanPayload
func get[T any](fcn func() (T, error), payload func(T) server.HumanPayload) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		payload(v).EncodeAndRespond(w, r)
	}
}

// set returns a handler that decodes a wrapper W from the body and calls fcn
// with its field.  Bad bodies are 400, errors from fcn are 500.
func set[W any, T any](fcn func(T) error, field func(W) T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var wrap W
		err := json.NewDecoder(r.Body).Decode(&wrap)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = fcn(field(wrap)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloat replies {"f64": value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return get(fcn, func(f float64) server.HumanPayload { return server.HumanPayload{T: types.Float64, Float: f} })
}

// SetFloat parses {"f64": value} and calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return set(fcn, func(f server.FloatT) float64 { return f.F64 })
}

// GetInt replies {"int": value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return get(fcn, func(i int) server.HumanPayload { return server.HumanPayload{T: types.Int, Int: i} })
}

// SetInt parses {"int": value} and calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return set(fcn, func(i server.IntT) int { return i.Int })
}

// GetString replies {"str": value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return get(fcn, func(s string) server.HumanPayload { return server.HumanPayload{T: types.String, String: s} })
}

// SetString parses {"str": value} and calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return set(fcn, func(s server.StrT) string { return s.Str })
}

// GetBool replies {"bool": value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return get(fcn, func(b bool) server.HumanPayload { return server.HumanPayload{T: types.Bool, Bool: b} })
}

// SetBool parses {"bool": value} and calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return set(fcn, func(b server.BoolT) bool { return b.Bool })
}
