package davtest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

const (
	nsDAV     = "DAV:"
	nsCalDAV  = "urn:ietf:params:xml:ns:caldav"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"
	nsIC      = "http://apple.com/ns/ical/"
)

// multistatus accumulates response elements of a 207 body.
type multistatus struct {
	doc  *etree.Document
	root *etree.Element
}

func newMultistatus() *multistatus {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("d:multistatus")
	root.CreateAttr("xmlns:d", nsDAV)
	root.CreateAttr("xmlns:cal", nsCalDAV)
	root.CreateAttr("xmlns:card", nsCardDAV)
	root.CreateAttr("xmlns:cs", nsCS)
	root.CreateAttr("xmlns:ic", nsIC)
	return &multistatus{doc: doc, root: root}
}

// response adds a response with one 200 propstat and returns its prop.
func (m *multistatus) response(href string) *etree.Element {
	resp := m.root.CreateElement("d:response")
	resp.CreateElement("d:href").SetText(href)
	ps := resp.CreateElement("d:propstat")
	prop := ps.CreateElement("d:prop")
	ps.CreateElement("d:status").SetText("HTTP/1.1 200 OK")
	return prop
}

// missing adds a response carrying only a status.
func (m *multistatus) missing(href string, status int) {
	resp := m.root.CreateElement("d:response")
	resp.CreateElement("d:href").SetText(href)
	resp.CreateElement("d:status").SetText(statusLine(status))
}

func (m *multistatus) write(w http.ResponseWriter) {
	out, err := m.doc.WriteToBytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write(out)
}

func statusLine(status int) string {
	return "HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status)
}

func hrefElem(parent *etree.Element, tag, href string) {
	parent.CreateElement(tag).CreateElement("d:href").SetText(href)
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	depth := r.Header.Get("Depth")
	ms := newMultistatus()

	switch {
	case p == s.cfg.Prefix || p == s.PrincipalPath():
		prop := ms.response(p)
		rt := prop.CreateElement("d:resourcetype")
		rt.CreateElement("d:collection")
		if p == s.PrincipalPath() {
			rt.CreateElement("d:principal")
			prop.CreateElement("d:displayname").SetText(s.user())
		}
		hrefElem(prop, "d:current-user-principal", s.PrincipalPath())
		hrefElem(prop, "cal:calendar-home-set", s.HomePath(CalDAV))
		hrefElem(prop, "card:addressbook-home-set", s.HomePath(CardDAV))

	case p == s.HomePath(CalDAV) || p == s.HomePath(CardDAV):
		prop := ms.response(p)
		prop.CreateElement("d:resourcetype").CreateElement("d:collection")
		if depth != "0" {
			var paths []string
			for cp := range s.collections {
				if strings.HasPrefix(cp, p) {
					paths = append(paths, cp)
				}
			}
			sort.Strings(paths)
			for _, cp := range paths {
				s.collectionProps(ms, s.collections[cp])
			}
		}

	case s.collections[p] != nil:
		col := s.collections[p]
		s.collectionProps(ms, col)
		if depth != "0" {
			for _, href := range sortedKeys(col.objects) {
				prop := ms.response(href)
				prop.CreateElement("d:resourcetype")
				prop.CreateElement("d:getetag").SetText(`"` + col.objects[href].etag + `"`)
				prop.CreateElement("d:getcontenttype").SetText(contentType(col.service))
			}
		}

	default:
		col := s.collectionOf(p)
		if col == nil || col.objects[p] == nil {
			http.NotFound(w, r)
			return
		}
		prop := ms.response(p)
		prop.CreateElement("d:getetag").SetText(`"` + col.objects[p].etag + `"`)
	}

	ms.write(w)
}

func (s *Server) collectionProps(ms *multistatus, col *collection) {
	prop := ms.response(col.path)
	rt := prop.CreateElement("d:resourcetype")
	rt.CreateElement("d:collection")
	if col.service == CardDAV {
		rt.CreateElement("card:addressbook")
	} else {
		rt.CreateElement("cal:calendar")
	}
	prop.CreateElement("d:displayname").SetText(col.displayName)
	if col.description != "" {
		if col.service == CardDAV {
			prop.CreateElement("card:addressbook-description").SetText(col.description)
		} else {
			prop.CreateElement("cal:calendar-description").SetText(col.description)
		}
	}
	if col.color != "" {
		prop.CreateElement("ic:calendar-color").SetText(col.color)
	}
	if s.cfg.NoCTag {
		prop.CreateElement("d:sync-token").SetText("http://davtest/sync/" + strconv.Itoa(col.ctag))
	} else {
		prop.CreateElement("cs:getctag").SetText(ctagString(col))
	}
	set := prop.CreateElement("d:current-user-privilege-set")
	privs := []string{"read"}
	if !s.cfg.ReadOnly {
		privs = append(privs, "write-content", "bind", "unbind")
	}
	for _, priv := range privs {
		set.CreateElement("d:privilege").CreateElement("d:" + priv)
	}
	hrefElem(prop, "d:owner", s.PrincipalPath())
}

func sortedKeys(m map[string]*object) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contentType(svc Service) string {
	if svc == CardDAV {
		return "text/vcard; charset=utf-8"
	}
	return "text/calendar; charset=utf-8"
}
