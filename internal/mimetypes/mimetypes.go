// Package mimetypes maps response formats to MIME types and negotiates a
// format from a file extension or an Accept header.
package mimetypes

import (
	"strings"
	"sync"
	"time"

	"github.com/munnerz/goautoneg"
	"github.com/patrickmn/go-cache"
)

const (
	memoTTL = 10 * time.Minute
	// Accept headers beyond these bounds are negotiated but not remembered.
	memoMaxHeader = 512
	memoMaxItems  = 4096
)

var builtin = []struct {
	format string
	types  []string
}{
	{"html", []string{"text/html", "application/xhtml+xml"}},
	{"json", []string{"application/json", "text/x-json"}},
	{"text", []string{"text/plain"}},
	{"xml", []string{"application/xml", "text/xml"}},
	{"js", []string{"application/javascript", "text/javascript"}},
	{"css", []string{"text/css"}},
	{"svg", []string{"image/svg+xml"}},
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	formats map[string][]string
	memo    *cache.Cache
}

type match struct {
	format, contentType string
	ok                  bool
}

// New returns a registry holding the built-in formats.
func New() *Registry {
	r := &Registry{
		formats: make(map[string][]string, len(builtin)),
		memo:    cache.New(memoTTL, 2*memoTTL),
	}
	for _, b := range builtin {
		r.formats[b.format] = b.types
	}
	return r
}

// Register adds or replaces format. The first type is the canonical one.
func (r *Registry) Register(format string, types ...string) {
	if format == "" || len(types) == 0 {
		return
	}
	r.mu.Lock()
	r.formats[format] = append([]string(nil), types...)
	r.mu.Unlock()
	r.memo.Flush()
}

// ContentTypes lists the MIME types registered for format.
func (r *Registry) ContentTypes(format string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.formats[format]...)
}

// TypeByExtension returns the canonical type of the format named by ext.
func (r *Registry) TypeByExtension(ext string) (string, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if types := r.formats[ext]; len(types) > 0 {
		return types[0], true
	}
	return "", false
}

// NegotiateByExtension picks format ext (with or without the dot) when it
// is both allowed and registered.
func (r *Registry) NegotiateByExtension(ext string, allowed []string) (format, contentType string, ok bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range allowed {
		if f != ext {
			continue
		}
		if types := r.formats[f]; len(types) > 0 {
			return f, types[0], true
		}
	}
	return "", "", false
}

// NegotiateAccept ranks header by q-value and returns the first allowed
// format that satisfies it. An empty header or */* picks the first
// registered allowed format. Clauses with q=0 never match.
func (r *Registry) NegotiateAccept(header string, allowed []string) (format, contentType string, ok bool) {
	header = strings.TrimSpace(header)
	key := header + "\x00" + strings.Join(allowed, ",")
	if v, hit := r.memo.Get(key); hit {
		m := v.(match)
		return m.format, m.contentType, m.ok
	}

	m := r.negotiate(header, allowed)
	if len(header) <= memoMaxHeader && r.memo.ItemCount() < memoMaxItems {
		r.memo.Set(key, m, cache.DefaultExpiration)
	}
	return m.format, m.contentType, m.ok
}

func (r *Registry) negotiate(header string, allowed []string) match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if header == "" || header == "*/*" {
		for _, f := range allowed {
			if types := r.formats[f]; len(types) > 0 {
				return match{f, types[0], true}
			}
		}
		return match{}
	}

	for _, clause := range goautoneg.ParseAccept(header) {
		if clause.Q <= 0 {
			continue
		}
		for _, f := range allowed {
			types := r.formats[f]
			for _, ct := range types {
				typ, sub, _ := strings.Cut(ct, "/")
				switch {
				case clause.Type == typ && clause.SubType == sub:
					return match{f, ct, true}
				case clause.Type == typ && clause.SubType == "*",
					clause.Type == "*" && clause.SubType == "*":
					return match{f, types[0], true}
				}
			}
		}
	}
	return match{}
}

// WithCharset appends a utf-8 charset to textual types that lack one.
func WithCharset(ct string) string {
	if ct == "" || strings.Contains(ct, "charset=") {
		return ct
	}
	if strings.HasPrefix(ct, "text/") || strings.HasSuffix(ct, "json") ||
		strings.HasSuffix(ct, "javascript") || strings.HasSuffix(ct, "xml") {
		return ct + "; charset=utf-8"
	}
	return ct
}

// Default is the process-wide registry.
var Default = New()

func NegotiateByExtension(ext string, allowed []string) (string, string, bool) {
	return Default.NegotiateByExtension(ext, allowed)
}

func NegotiateAccept(header string, allowed []string) (string, string, bool) {
	return Default.NegotiateAccept(header, allowed)
}
