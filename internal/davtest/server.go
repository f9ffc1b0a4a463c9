// Package davtest runs an in-memory CalDAV/CardDAV server for tests. It
// implements the subset of RFC 4918, 4791 and 6352 the sync engine relies on:
// discovery properties, ctag and ETag bookkeeping, conditional PUT and
// DELETE, multiget and property-filter queries, MKCOL/MKCALENDAR and
// PROPPATCH. Every request is recorded and any method can be intercepted.
package davtest

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Service is "caldav" or "carddav".
type Service string

const (
	CalDAV  Service = "caldav"
	CardDAV Service = "carddav"
)

// Request is a recorded request.
type Request struct {
	Method string
	Path   string
	Depth  string
	Header http.Header
	Body   string
}

// Hook intercepts a request before the server handles it. Returning true
// means the hook wrote the response.
type Hook func(w http.ResponseWriter, r *http.Request, body []byte) bool

// Config controls the server layout.
type Config struct {
	// Username and Password enable Basic auth when Username is set.
	Username string
	Password string
	// Prefix is the service endpoint, "/dav/" by default. The well-known
	// paths redirect here unless NoWellKnown is set.
	Prefix      string
	NoWellKnown bool
	// OmitETag leaves the ETag header off PUT responses.
	OmitETag bool
	// NoCTag makes collections report a sync-token instead of a ctag.
	NoCTag bool
	// ReadOnly makes collections report a read-only privilege set.
	ReadOnly bool
	Logger   *slog.Logger
}

type object struct {
	etag string
	body []byte
}

type collection struct {
	path        string
	service     Service
	displayName string
	description string
	color       string
	ctag        int
	objects     map[string]*object
}

// Server is the fake DAV server. The embedded httptest.Server is started.
type Server struct {
	*httptest.Server
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	collections map[string]*collection
	requests    []Request
	hooks       map[string][]Hook
	omitted     map[string]bool
	seq         int
}

// New starts a server. Call Close when done.
func New(cfg Config) *Server {
	if cfg.Prefix == "" {
		cfg.Prefix = "/dav/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:         cfg,
		logger:      cfg.Logger,
		collections: make(map[string]*collection),
		hooks:       make(map[string][]Hook),
		omitted:     make(map[string]bool),
	}
	s.Server = httptest.NewServer(s)
	return s
}

func (s *Server) user() string {
	if s.cfg.Username != "" {
		return s.cfg.Username
	}
	return "user"
}

// PrincipalPath is the principal URL path.
func (s *Server) PrincipalPath() string {
	return s.cfg.Prefix + "principals/" + s.user() + "/"
}

// HomePath is the home-set path of svc.
func (s *Server) HomePath(svc Service) string {
	if svc == CardDAV {
		return s.cfg.Prefix + "addressbooks/" + s.user() + "/"
	}
	return s.cfg.Prefix + "calendars/" + s.user() + "/"
}

// Endpoint is the absolute service endpoint URL.
func (s *Server) Endpoint() string {
	return s.URL + s.cfg.Prefix
}

// AddCollection creates a collection named name below the home-set of svc
// and returns its path.
func (s *Server) AddCollection(svc Service, name, displayName string) string {
	p := s.HomePath(svc) + name + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[p] = &collection{
		path:        p,
		service:     svc,
		displayName: displayName,
		ctag:        1,
		objects:     make(map[string]*object),
	}
	return p
}

// Put stores a member as another client would, bumping the ctag. It returns
// the href and the new ETag.
func (s *Server) Put(collectionPath, name string, body []byte) (href, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[collectionPath]
	if col == nil {
		panic(fmt.Sprintf("davtest: no collection %s", collectionPath))
	}
	href = collectionPath + name
	etag = s.nextETag()
	col.objects[href] = &object{etag: etag, body: append([]byte(nil), body...)}
	col.ctag++
	return href, etag
}

// Remove deletes a member as another client would.
func (s *Server) Remove(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col := s.collectionOf(href); col != nil {
		if _, ok := col.objects[href]; ok {
			delete(col.objects, href)
			col.ctag++
		}
	}
}

// Object returns a member's body and ETag.
func (s *Server) Object(href string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col := s.collectionOf(href); col != nil {
		if obj, ok := col.objects[href]; ok {
			return append([]byte(nil), obj.body...), obj.etag, true
		}
	}
	return nil, "", false
}

// Members maps every member href of a collection to its ETag.
func (s *Server) Members(collectionPath string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	if col := s.collections[collectionPath]; col != nil {
		for href, obj := range col.objects {
			out[href] = obj.etag
		}
	}
	return out
}

// Collections lists collection paths in order.
func (s *Server) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.collections))
	for p := range s.collections {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DisplayName returns a collection's display name.
func (s *Server) DisplayName(collectionPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col := s.collections[collectionPath]; col != nil {
		return col.displayName
	}
	return ""
}

// CTag returns a collection's current change token.
func (s *Server) CTag(collectionPath string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col := s.collections[collectionPath]; col != nil {
		return ctagString(col)
	}
	return ""
}

func ctagString(col *collection) string {
	return "ctag-" + strconv.Itoa(col.ctag)
}

// Hook registers h for method. Hooks run in registration order.
func (s *Server) Hook(method string, h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	method = strings.ToUpper(method)
	s.hooks[method] = append(s.hooks[method], h)
}

// OmitFromMultiget makes multiget responses skip href without a status,
// as a server dropping part of a batch does. Pass false to restore it.
func (s *Server) OmitFromMultiget(href string, omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if omit {
		s.omitted[href] = true
		return
	}
	delete(s.omitted, href)
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests used method, optionally restricted to
// bodies containing contains.
func (s *Server) Count(method string, contains string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.Contains(r.Body, contains) {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) nextETag() string {
	s.seq++
	return "etag-" + strconv.Itoa(s.seq)
}

func (s *Server) collectionOf(href string) *collection {
	dir := path.Dir(strings.TrimSuffix(href, "/")) + "/"
	return s.collections[dir]
}

// ServeHTTP authenticates, records and routes a request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Depth:  r.Header.Get("Depth"),
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	hooks := append([]Hook(nil), s.hooks[r.Method]...)
	s.mu.Unlock()

	s.logger.Debug("request received", "method", r.Method, "path", r.URL.Path)

	for _, h := range hooks {
		if h(w, r, body) {
			return
		}
	}

	if s.cfg.Username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.cfg.Username || pass != s.cfg.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if strings.HasPrefix(r.URL.Path, "/.well-known/") {
		if s.cfg.NoWellKnown {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Location", s.cfg.Prefix)
		w.WriteHeader(http.StatusMovedPermanently)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case "PROPFIND":
		s.handlePropfind(w, r)
	case "REPORT":
		s.handleReport(w, r, body)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPut:
		s.handlePut(w, r, body)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case "MKCOL", "MKCALENDAR":
		s.handleMkcol(w, r, body)
	case "PROPPATCH":
		s.handleProppatch(w, r, body)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}
