package imgrec

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengusystems/rhodes/generichttp"
)

func TestIncrSkipsExistingFiles(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "iris", Ext: ".txt"}
	r.Incr()
	first := r.Path()
	assert.Equal(t, "iris000001.txt", filepath.Base(first))

	_, err := r.Write([]byte("a"))
	require.NoError(t, err)
	_, err = r.Write([]byte("b"))
	require.NoError(t, err)
	b, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(b))

	// a new recorder over the same folder continues the numbering
	r2 := &Recorder{Root: r.Root, Prefix: "iris", Ext: ".txt"}
	r2.Incr()
	assert.Equal(t, "iris000002.txt", filepath.Base(r2.Path()))
}

func TestDefaultExtension(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "dump"}
	r.Incr()
	assert.True(t, strings.HasSuffix(r.Path(), ".fits"))
}

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestInject(t *testing.T) {
	rec := &Recorder{Root: t.TempDir(), Prefix: "a"}
	rt := table{}
	NewHTTPWrapper(rec).Inject(rt)
	assert.Len(t, rt, 4)

	newRoot := filepath.Join(rec.Root, "nested")
	req := httptest.NewRequest(http.MethodPost, "/dump/root", strings.NewReader(`{"str": "`+filepath.ToSlash(newRoot)+`"}`))
	w := httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/root"}](w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.DirExists(t, filepath.Join(newRoot, rec.timeFldr))

	req = httptest.NewRequest(http.MethodPost, "/dump/prefix", strings.NewReader(`{"str": "b"}`))
	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/prefix"}](w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/dump/prefix", nil)
	req.Header.Set("Accept", "text/plain")
	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dump/prefix"}](w, req)
	assert.Equal(t, "b", strings.TrimSpace(w.Body.String()))

	req = httptest.NewRequest(http.MethodPost, "/dump/prefix", strings.NewReader(`nope`))
	w = httptest.NewRecorder()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/prefix"}](w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
