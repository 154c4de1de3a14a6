package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	l := New("/state/refresh")
	h := l.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	serve := func(method, path string) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader("")))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/run"))
	l.Lock()
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, serve(http.MethodPost, "/run"))
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/run"))
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/iris/lock"))
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/state/refresh"))
	assert.Equal(t, http.StatusLocked, serve(http.MethodPost, "/lockout"))
	l.Unlock()
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/run"))
}
