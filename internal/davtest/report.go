package davtest

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, body []byte) {
	col := s.collections[r.URL.Path]
	if col == nil {
		http.NotFound(w, r)
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	root := doc.Root()

	switch root.Tag {
	case "calendar-multiget", "addressbook-multiget":
		s.multiget(w, col, root)
	case "calendar-query", "addressbook-query":
		s.query(w, col, root)
	default:
		http.Error(w, "Unsupported report", http.StatusForbidden)
	}
}

func dataTag(svc Service) string {
	if svc == CardDAV {
		return "card:address-data"
	}
	return "cal:calendar-data"
}

func (s *Server) objectProps(ms *multistatus, col *collection, href string) {
	obj := col.objects[href]
	prop := ms.response(href)
	prop.CreateElement("d:getetag").SetText(`"` + obj.etag + `"`)
	prop.CreateElement(dataTag(col.service)).SetText(string(obj.body))
}

func (s *Server) multiget(w http.ResponseWriter, col *collection, root *etree.Element) {
	ms := newMultistatus()
	for _, h := range root.SelectElements("href") {
		href := strings.TrimSpace(h.Text())
		if u, err := url.Parse(href); err == nil {
			href = u.Path
		}
		if s.omitted[href] {
			continue
		}
		if col.objects[href] == nil {
			ms.missing(href, http.StatusNotFound)
			continue
		}
		s.objectProps(ms, col, href)
	}
	ms.write(w)
}

// textMatch is a parsed prop-filter/text-match pair. Comp-filter nesting is
// not evaluated: the property is searched anywhere in the body.
type textMatch struct {
	prop      string
	value     string
	matchType string
	collation string
	negate    bool
}

func (s *Server) query(w http.ResponseWriter, col *collection, root *etree.Element) {
	var tm *textMatch
	if pf := root.FindElement(".//prop-filter"); pf != nil {
		tm = &textMatch{prop: strings.ToUpper(pf.SelectAttrValue("name", ""))}
		if t := pf.SelectElement("text-match"); t != nil {
			tm.value = t.Text()
			tm.matchType = t.SelectAttrValue("match-type", "contains")
			tm.collation = t.SelectAttrValue("collation", "i;unicode-casemap")
			tm.negate = t.SelectAttrValue("negate-condition", "no") == "yes"
		}
	}

	limit := 0
	if n := root.FindElement(".//nresults"); n != nil {
		limit, _ = strconv.Atoi(strings.TrimSpace(n.Text()))
	}

	ms := newMultistatus()
	count := 0
	for _, href := range sortedKeys(col.objects) {
		if tm != nil && !tm.matches(col.objects[href].body) {
			continue
		}
		if limit > 0 && count >= limit {
			break
		}
		s.objectProps(ms, col, href)
		count++
	}
	ms.write(w)
}

func (m *textMatch) matches(body []byte) bool {
	values := propertyValues(body, m.prop)
	if m.value == "" {
		return len(values) > 0
	}
	found := false
	for _, v := range values {
		if m.compare(v) {
			found = true
			break
		}
	}
	return found != m.negate
}

func (m *textMatch) compare(v string) bool {
	needle := m.value
	switch m.collation {
	case "i;octet":
	case "i;ascii-casemap":
		v, needle = strings.ToLower(v), strings.ToLower(needle)
	default:
		fold := cases.Fold()
		v = fold.String(norm.NFC.String(v))
		needle = fold.String(norm.NFC.String(needle))
	}
	switch m.matchType {
	case "equals":
		return v == needle
	case "starts-with":
		return strings.HasPrefix(v, needle)
	case "ends-with":
		return strings.HasSuffix(v, needle)
	default:
		return strings.Contains(v, needle)
	}
}

// propertyValues returns the values of every content line named prop in an
// iCalendar or vCard body, after unfolding.
func propertyValues(body []byte, prop string) []string {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n ", "")
	text = strings.ReplaceAll(text, "\n\t", "")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		name := line[:i]
		if j := strings.IndexByte(name, ';'); j >= 0 {
			name = name[:j]
		}
		// Strip a group prefix such as "item1.EMAIL".
		if j := strings.LastIndexByte(name, '.'); j >= 0 {
			name = name[j+1:]
		}
		if strings.EqualFold(name, prop) {
			out = append(out, line[i+1:])
		}
	}
	return out
}
