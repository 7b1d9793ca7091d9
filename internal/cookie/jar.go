package cookie

import (
	"net/http"
	"sort"
	"sync"
)

// Jar is an in-memory Source and Sink that applies Set-Cookie semantics the
// way a browser would. It lets a caller replay cookies across requests.
type Jar struct {
	mu      sync.Mutex
	values  map[string]*http.Cookie
	history []*http.Cookie
}

// NewJar returns an empty Jar.
func NewJar() *Jar {
	return &Jar{values: map[string]*http.Cookie{}}
}

// SetCookie implements Sink.
func (j *Jar) SetCookie(c *http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.history = append(j.history, c)
	if c.MaxAge < 0 || c.Value == "" {
		delete(j.values, c.Name)
		return
	}
	cp := *c
	j.values[c.Name] = &cp
}

// Cookies implements Source, sorted by name.
func (j *Jar) Cookies() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.values))
	for _, c := range j.values {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Get returns the stored cookie by name.
func (j *Jar) Get(name string) (*http.Cookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.values[name]
	return c, ok
}

// Set stores a cookie directly, bypassing history.
func (j *Jar) Set(name, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.values[name] = &http.Cookie{Name: name, Value: value}
}

// Written returns every cookie received by SetCookie, in order.
func (j *Jar) Written() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*http.Cookie(nil), j.history...)
}

// Reset forgets the write history but keeps stored values.
func (j *Jar) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.history = nil
}
