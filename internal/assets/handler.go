package assets

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/keithlinneman/shortstack/internal/mimetypes"
)

type HandlerOptions struct {
	// NotFoundFile is served from the bundle with a 404 when present.
	NotFoundFile string

	HTMLCacheControl  string
	AssetCacheControl string
	OtherCacheControl string

	Mimes *mimetypes.Registry
}

func (o *HandlerOptions) setDefaults() {
	if o.NotFoundFile == "" {
		o.NotFoundFile = "404.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=31536000, immutable"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
	if o.Mimes == nil {
		o.Mimes = mimetypes.Default
	}
}

// Handler serves files from the manager's active snapshot.
type Handler struct {
	m    *Manager
	opts HandlerOptions
}

func NewHandler(m *Manager, opts HandlerOptions) *Handler {
	opts.setDefaults()
	return &Handler{m: m, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap, ok := h.m.Get()
	if !ok {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Retry-After", "60")
		http.Error(w, "assets are not loaded yet", http.StatusServiceUnavailable)
		return
	}

	file, redirect, found := resolvePath(r.URL.Path, snap.FS)
	switch {
	case redirect != "":
		http.Redirect(w, r, redirect, http.StatusPermanentRedirect)
	case !found:
		h.notFound(w, r, snap.FS)
	default:
		h.serveFound(w, r, snap, file)
	}
}

// Fallthrough serves files from the active bundle and hands everything else
// to next: other methods, paths the bundle lacks, and every request while no
// bundle is loaded.
func (h *Handler) Fallthrough(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		snap, ok := h.m.Get()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		file, redirect, found := resolvePath(r.URL.Path, snap.FS)
		switch {
		case redirect != "":
			http.Redirect(w, r, redirect, http.StatusPermanentRedirect)
		case !found:
			next.ServeHTTP(w, r)
		default:
			h.serveFound(w, r, snap, file)
		}
	})
}

func (h *Handler) serveFound(w http.ResponseWriter, r *http.Request, snap *Snapshot, file string) {
	w.Header().Set("Cache-Control", h.cacheControl(file))
	w.Header().Set("ETag", `"`+snap.Meta.SHA256+`"`)
	h.serveFile(w, r, http.StatusOK, snap.FS, file)
}

func (h *Handler) notFound(w http.ResponseWriter, r *http.Request, fsys fs.FS) {
	w.Header().Set("Cache-Control", "no-store")
	if existsFile(fsys, h.opts.NotFoundFile) {
		h.serveFile(w, r, http.StatusNotFound, fsys, h.opts.NotFoundFile)
		return
	}
	http.Error(w, "404 page not found", http.StatusNotFound)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	if ct, ok := h.opts.Mimes.TypeByExtension(path.Ext(name)); ok {
		w.Header().Set("Content-Type", mimetypes.WithCharset(ct))
	}
	if status != http.StatusOK {
		w = &statusOverride{ResponseWriter: w, status: status}
	}
	http.ServeFileFS(w, r, fsys, name)
}

func (h *Handler) cacheControl(name string) string {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".html", "":
		return h.opts.HTMLCacheControl
	case ".css", ".js", ".mjs", ".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".map":
		return h.opts.AssetCacheControl
	default:
		return h.opts.OtherCacheControl
	}
}

// statusOverride replaces the status ServeFileFS picks for the first header write.
type statusOverride struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusOverride) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		code = w.status
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusOverride) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(w.status)
	}
	return w.ResponseWriter.Write(b)
}

// resolvePath maps a URL path onto a file in fsys. Directories resolve to
// their index.html; an extensionless path whose directory has an index is
// redirected to the slash form.
func resolvePath(urlPath string, fsys fs.FS) (file, redirect string, ok bool) {
	p := "/" + strings.TrimPrefix(urlPath, "/")
	if strings.ContainsAny(p, "\x00\\") {
		return "", "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return "", "", false
		}
	}

	dir := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	name := strings.TrimPrefix(clean, "/")

	switch {
	case clean == "/":
		return found(fsys, "index.html")
	case dir:
		return found(fsys, name+"/index.html")
	case path.Ext(clean) != "":
		return found(fsys, name)
	case existsFile(fsys, name+"/index.html"):
		return "", clean + "/", true
	default:
		return found(fsys, name)
	}
}

func found(fsys fs.FS, name string) (string, string, bool) {
	if existsFile(fsys, name) {
		return name, "", true
	}
	return "", "", false
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}
