// Package controller dispatches requests to published actions, negotiating
// the response format per action.
package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/mimetypes"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// DefaultAction runs when the request names none.
const DefaultAction = "index"

// Request is what an action sees. Status starts at 200 and may be changed.
type Request struct {
	*http.Request

	Action      string
	Format      string
	ContentType string
	Params      url.Values
	Status      int
	// Header is the response header.
	Header http.Header
}

// Param returns a route or query parameter.
func (r *Request) Param(name string) string { return r.Params.Get(name) }

// ActionFunc returns the response body. Strings and byte slices are written
// as is, json formats are marshalled and anything else is formatted with fmt.
type ActionFunc func(*Request) (any, error)

// ExceptionHandler renders the body for a failed request.
type ExceptionHandler func(*Request, *HTTPError) any

// DefaultExceptionHandler renders "<Name>: <Description>".
func DefaultExceptionHandler(_ *Request, e *HTTPError) any {
	return e.Name + ": " + e.Description
}

type action struct {
	formats []string
	fn      ActionFunc
}

type Controller struct {
	mu      sync.RWMutex
	actions map[string]action
	onError ExceptionHandler
	mimes   *mimetypes.Registry
}

type Option func(*Controller)

// WithMimeTypes negotiates against reg instead of mimetypes.Default.
func WithMimeTypes(reg *mimetypes.Registry) Option {
	return func(c *Controller) { c.mimes = reg }
}

func New(opts ...Option) *Controller {
	c := &Controller{
		actions: make(map[string]action),
		onError: DefaultExceptionHandler,
		mimes:   mimetypes.Default,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Publish exposes fn as name in formats (html when none are given).
// Publishing a name again replaces it. It panics on an empty name or nil fn.
func (c *Controller) Publish(name string, formats []string, fn ActionFunc) {
	if name == "" || fn == nil {
		panic("controller: Publish needs a name and an action")
	}
	if len(formats) == 0 {
		formats = []string{"html"}
	}
	c.mu.Lock()
	c.actions[name] = action{formats: append([]string(nil), formats...), fn: fn}
	c.mu.Unlock()
}

// Actions lists the published names in order.
func (c *Controller) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.actions))
	for name := range c.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HandleException replaces the error renderer; nil restores the default.
func (c *Controller) HandleException(fn ExceptionHandler) {
	if fn == nil {
		fn = DefaultExceptionHandler
	}
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Routes mounts the dispatcher at /, /{action} and /{action}.{format}.
func (c *Controller) Routes(r chi.Router) {
	r.Handle("/", c)
	r.Handle("/{action}", c)
	r.Handle("/{action}.{format}", c)
}

// Router is a standalone router for Mount.
func (c *Controller) Router() chi.Router {
	r := chi.NewRouter()
	c.Routes(r)
	return r
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := newRequest(w, r)
	body, err := c.dispatch(req)
	if err != nil {
		body = c.fail(req, err)
	}
	if req.ContentType != "" && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", mimetypes.WithCharset(req.ContentType))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(req.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func newRequest(w http.ResponseWriter, r *http.Request) *Request {
	params := r.URL.Query()
	if rc := chi.RouteContext(r.Context()); rc != nil {
		for i, k := range rc.URLParams.Keys {
			if k != "" && k != "*" && rc.URLParams.Values[i] != "" {
				params.Set(k, rc.URLParams.Values[i])
			}
		}
	}

	name := params.Get("action")
	format := params.Get("format")
	if format == "" {
		// /{action} matched something like "about.json"
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			name, format = name[:i], name[i+1:]
		}
	}
	if name == "" {
		name = DefaultAction
	}
	return &Request{
		Request: r,
		Action:  name,
		Format:  format,
		Params:  params,
		Status:  http.StatusOK,
		Header:  w.Header(),
	}
}

func (c *Controller) dispatch(req *Request) (body []byte, err error) {
	c.mu.RLock()
	act, ok := c.actions[req.Action]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if req.Format != "" {
		req.Format, req.ContentType, ok = c.mimes.NegotiateByExtension(req.Format, act.formats)
	} else {
		req.Format, req.ContentType, ok = c.mimes.NegotiateAccept(req.Request.Header.Get("Accept"), act.formats)
	}
	if !ok {
		return nil, ErrNotAcceptable
	}

	defer func() {
		if p := recover(); p != nil {
			if perr, isErr := p.(error); isErr {
				err = serverError(xerrors.Wrap(perr, "action panicked"))
			} else {
				err = serverError(xerrors.Newf("action panicked: %v", p))
			}
		}
	}()

	out, err := act.fn(req)
	if err != nil {
		return nil, err
	}
	return render(req.Format, out)
}

// fail sets the status from err and renders the error body.
func (c *Controller) fail(req *Request, err error) []byte {
	he := asHTTPError(err)
	req.Status = he.Code

	ctx := req.Context()
	L := log.FromContext(ctx).With("action", req.Action, "http.response.status_code", he.Code)
	if he.Code >= http.StatusInternalServerError {
		L.Error(ctx, err, "controller action failed")
	} else {
		L.Debug(ctx, "controller request rejected", "reason", he.Description)
	}

	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()

	body, rerr := render(req.Format, onError(req, he))
	if rerr != nil {
		L.Error(ctx, rerr, "render exception body")
		return []byte(DefaultExceptionHandler(req, he).(string))
	}
	if req.ContentType == "" {
		req.ContentType = "text/plain"
	}
	return body
}

func render(format string, v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	if format == "json" {
		out, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.Wrap(err, "render json")
		}
		return out, nil
	}
	return []byte(fmt.Sprint(v)), nil
}
