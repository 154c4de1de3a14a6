// Package imgrec contains a recorder used to save pattern and solution dumps to disk.
package imgrec

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pengusystems/rhodes/generichttp"
	"github.com/pengusystems/rhodes/server"
)

// Recorder records files with incrementing names in yyyy-mm-dd subfolders.
// Every Write between two calls to Incr appends to the same file.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Ext is the file extension, including the dot; empty means .fits
	Ext string

	// timeFldr is the subfolder with yyyy-mm-dd format
	timeFldr string
}

func (r *Recorder) ext() string {
	if r.Ext == "" {
		return ".fits"
	}
	return r.Ext
}

// updateFolder sets the dated subfolder from the current time
func (r *Recorder) updateFolder() {
	r.timeFldr = time.Now().Format("2006-01-02")
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := filepath.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

func (r *Recorder) name() string {
	return fmt.Sprintf("%s%06d%s", r.Prefix, r.counter, r.ext())
}

// Path is the file the next Write goes to
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	return filepath.Join(r.Root, r.timeFldr, r.name())
}

// Write implements io.Writer, appending to the current file
func (r *Recorder) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return 0, err
	}
	fn := filepath.Join(fldr, r.name())
	fid, err := os.OpenFile(fn, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return 0, err
	}
	defer fid.Close()
	return fid.Write(p)
}

// Incr moves to the next filename.  It scans the folder so that existing
// files are never appended to.  If the scan fails the counter is not moved.
func (r *Recorder) Incr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFolder()
	dn, _ := r.mkDir()
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	ext := r.ext()
	for _, file := range files {
		// skip directories, other extensions, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ext) || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ext)
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// HTTPWrapper is an HTTP wrapper around a recorder that allows the folder
// and prefix to be changed on the fly.  It offers an Inject method to add
// its routes to another HTTPer.
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := h.Recorder
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Root = str.Str
	rec.updateFolder()
	_, err = rec.mkDir()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	root := h.Root
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.String, String: root}
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Prefix = str.Str
	h.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix gets the recorder's prefix and sends it back as JSON
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	prefix := h.Prefix
	h.mu.Unlock()
	hp := server.HumanPayload{T: types.String, String: prefix}
	hp.EncodeAndRespond(w, r)
}

// Inject adds GET and POST routes for /dump/root and /dump/prefix to the HTTPer
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dump/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dump/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dump/prefix"}] = h.GetPrefix
}
