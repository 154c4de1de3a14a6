package generichttp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
)

func TestEndpointsSorted(t *testing.T) {
	noop := func(w http.ResponseWriter, r *http.Request) {}
	rt := RouteTable{
		{Method: http.MethodPost, Path: "/b"}: noop,
		{Method: http.MethodGet, Path: "/b"}:  noop,
		{Method: http.MethodGet, Path: "/a"}:  noop,
	}
	assert.Equal(t, []string{"GET /a", "GET /b", "POST /b"}, rt.Endpoints())

	b, err := rt.MarshalJSON()
	assert.NoError(t, err)
	assert.JSONEq(t, `["GET /a", "GET /b", "POST /b"]`, string(b))
}

func TestBindAndHelpers(t *testing.T) {
	var stored float64
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/f"}:  GetFloat(func() (float64, error) { return stored, nil }),
		{Method: http.MethodPost, Path: "/f"}: SetFloat(func(f float64) error { stored = f; return nil }),
		{Method: http.MethodPost, Path: "/s"}: SetString(func(string) error { return errors.New("refused") }),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/f", strings.NewReader(`{"f64": 2.5}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.5, stored)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/f", nil))
	assert.JSONEq(t, `{"f64": 2.5}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/f", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/s", strings.NewReader(`{"str": "x"}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/f", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
