package davtest

import (
	"net/http"
	"strings"

	"github.com/beevik/etree"
)

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	col := s.collectionOf(r.URL.Path)
	if col == nil || col.objects[r.URL.Path] == nil {
		http.NotFound(w, r)
		return
	}
	obj := col.objects[r.URL.Path]
	quoted := `"` + obj.etag + `"`
	w.Header().Set("ETag", quoted)
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType(col.service))
	_, _ = w.Write(obj.body)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, body []byte) {
	href := r.URL.Path
	col := s.collectionOf(href)
	if col == nil {
		http.Error(w, "Conflict", http.StatusConflict)
		return
	}
	if s.cfg.ReadOnly {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	existing := col.objects[href]
	ifMatch := r.Header.Get("If-Match")
	ifNone := r.Header.Get("If-None-Match")
	if existing != nil {
		if ifMatch != "" && ifMatch != `"`+existing.etag+`"` {
			s.logger.Warn("etag mismatch", "client_etag", ifMatch, "server_etag", existing.etag)
			http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
			return
		}
		if ifNone == "*" {
			s.logger.Warn("if-none-match=* used but resource exists", "href", href)
			http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
			return
		}
	} else if ifMatch != "" {
		s.logger.Warn("if-match used on non-existent resource", "etag", ifMatch)
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	want := "text/calendar"
	if col.service == CardDAV {
		want = "text/vcard"
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), want) {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}
	if !strings.HasPrefix(strings.TrimSpace(string(body)), "BEGIN:") {
		http.Error(w, "Invalid data", http.StatusBadRequest)
		return
	}

	etag := s.nextETag()
	col.objects[href] = &object{etag: etag, body: append([]byte(nil), body...)}
	col.ctag++

	if !s.cfg.OmitETag {
		w.Header().Set("ETag", `"`+etag+`"`)
	}
	if existing == nil {
		w.Header().Set("Location", href)
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	href := r.URL.Path
	col := s.collectionOf(href)
	if col == nil || col.objects[href] == nil {
		http.NotFound(w, r)
		return
	}
	if s.cfg.ReadOnly {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != `"`+col.objects[href].etag+`"` {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	delete(col.objects, href)
	col.ctag++
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMkcol(w http.ResponseWriter, r *http.Request, body []byte) {
	p := r.URL.Path
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	if s.collections[p] != nil {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	svc := CalDAV
	if r.Method == "MKCOL" {
		svc = CardDAV
	}
	if !strings.HasPrefix(p, s.HomePath(svc)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	col := &collection{path: p, service: svc, ctag: 1, objects: make(map[string]*object)}
	if len(body) > 0 {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(body); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if prop := doc.FindElement("//set/prop"); prop != nil {
			applyProps(col, prop)
		}
	}
	s.collections[p] = col
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleProppatch(w http.ResponseWriter, r *http.Request, body []byte) {
	col := s.collections[r.URL.Path]
	if col == nil {
		http.NotFound(w, r)
		return
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ms := newMultistatus()
	prop := ms.response(col.path)
	if set := doc.FindElement("//set/prop"); set != nil {
		applyProps(col, set)
		for _, c := range set.ChildElements() {
			prop.CreateElement(responseTag(c.Tag))
		}
	}
	ms.write(w)
}

func applyProps(col *collection, prop *etree.Element) {
	for _, c := range prop.ChildElements() {
		switch c.Tag {
		case "displayname":
			col.displayName = c.Text()
		case "calendar-description", "addressbook-description":
			col.description = c.Text()
		case "calendar-color":
			col.color = c.Text()
		}
	}
}

func responseTag(local string) string {
	switch local {
	case "calendar-description":
		return "cal:" + local
	case "addressbook-description":
		return "card:" + local
	case "calendar-color":
		return "ic:" + local
	}
	return "d:" + local
}
