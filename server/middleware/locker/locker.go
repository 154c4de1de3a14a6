// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"net/http"
	"strings"
	"sync"

	"github.com/pengusystems/rhodes/generichttp"
)

// Inject adds GET and POST /lock to a generichttp.HTTPer, {"bool": locked}
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = generichttp.GetBool(func() (bool, error) {
		return l.Locked(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = generichttp.SetBool(func(b bool) error {
		l.Set(b)
		return nil
	})
}

// Locker is a flag that refuses mutating requests while set.  Unlike a
// sync.Mutex it never blocks.
type Locker struct {
	mu     sync.RWMutex
	locked bool

	// DoNotProtect holds path suffixes that stay reachable while locked
	DoNotProtect []string
}

// New returns a Locker that leaves /lock and any of unprotected reachable
func New(unprotected ...string) *Locker {
	return &Locker{DoNotProtect: append([]string{"/lock"}, unprotected...)}
}

// Lock the locker
func (l *Locker) Lock() { l.Set(true) }

// Unlock the locker
func (l *Locker) Unlock() { l.Set(false) }

// Set locks or unlocks
func (l *Locker) Set(locked bool) {
	l.mu.Lock()
	l.locked = locked
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

func (l *Locker) protects(path string) bool {
	for _, str := range l.DoNotProtect {
		if strings.HasSuffix(path, str) {
			return false
		}
	}
	return true
}

// Check is an HTTP middleware that answers http.StatusLocked while locked.
// GET requests always pass.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && l.Locked() && l.protects(r.URL.Path) {
			http.Error(w, "locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}
