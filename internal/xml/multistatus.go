package xml

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Multistatus is a parsed 207 Multi-Status body.
type Multistatus struct {
	Responses []Response
	// SyncToken is the top-level sync-token of a sync-collection report.
	SyncToken string
}

// Response is a single response within a multistatus. Status is the
// response-level status, defaulting to 200 when the element is absent.
type Response struct {
	Href      string
	Status    int
	PropStats []PropStat
	Error     string
}

// PropStat groups properties that share one status.
type PropStat struct {
	Status int
	Props  []*etree.Element
}

// ParseStatusLine extracts the code from "HTTP/<version> <code> <reason>".
// An empty or unparseable line yields 200.
func ParseStatusLine(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(strings.ToUpper(fields[0]), "HTTP/") {
		return http.StatusOK
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return http.StatusOK
	}
	return code
}

// ParseMultistatus parses a multistatus document.
func ParseMultistatus(data []byte) (*Multistatus, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse multistatus: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if !Is(root, TagMultistatus) {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	ms := &Multistatus{SyncToken: Text(Child(root, "sync-token"))}
	for _, respElem := range Children(root, TagResponse) {
		resp := Response{
			Href:   Text(Child(respElem, TagHref)),
			Status: http.StatusOK,
		}
		if statusElem := Child(respElem, TagStatus); statusElem != nil {
			resp.Status = ParseStatusLine(Text(statusElem))
		}
		if errElem := Child(respElem, TagError); errElem != nil {
			if kids := errElem.ChildElements(); len(kids) > 0 {
				resp.Error = localName(kids[0].Tag)
			}
		}

		for _, psElem := range Children(respElem, TagPropstat) {
			ps := PropStat{Status: http.StatusOK}
			if statusElem := Child(psElem, TagStatus); statusElem != nil {
				ps.Status = ParseStatusLine(Text(statusElem))
			}
			if propElem := Child(psElem, TagProp); propElem != nil {
				ps.Props = propElem.ChildElements()
			}
			resp.PropStats = append(resp.PropStats, ps)
		}
		ms.Responses = append(ms.Responses, resp)
	}

	return ms, nil
}

// OK reports whether the response as a whole succeeded.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Prop returns the named property from a 2xx propstat, or nil.
func (r *Response) Prop(local string) *etree.Element {
	for _, ps := range r.PropStats {
		if ps.Status < 200 || ps.Status >= 300 {
			continue
		}
		for _, p := range ps.Props {
			if Is(p, local) {
				return p
			}
		}
	}
	return nil
}

// HasProp reports whether the named property was returned successfully.
func (r *Response) HasProp(local string) bool {
	return r.Prop(local) != nil
}

// PropText returns the trimmed text of a property.
func (r *Response) PropText(local string) string {
	return Text(r.Prop(local))
}

// PropHref returns the text of the first href inside a property, as used by
// current-user-principal, home-set and owner.
func (r *Response) PropHref(local string) string {
	prop := r.Prop(local)
	if href := Child(prop, TagHref); href != nil {
		return Text(href)
	}
	// Some servers collapse owner to plain text.
	return Text(prop)
}

// ResourceTypes lists the local names inside resourcetype.
func (r *Response) ResourceTypes() []string {
	var out []string
	if rt := r.Prop("resourcetype"); rt != nil {
		for _, c := range rt.ChildElements() {
			out = append(out, strings.ToLower(localName(c.Tag)))
		}
	}
	return out
}

// HasResourceType reports whether resourcetype contains the given marker.
func (r *Response) HasResourceType(local string) bool {
	for _, t := range r.ResourceTypes() {
		if strings.EqualFold(t, local) {
			return true
		}
	}
	return false
}

// Privileges lists the privileges granted in current-user-privilege-set.
// The second return value is false when the property was not returned.
func (r *Response) Privileges() ([]string, bool) {
	set := r.Prop("current-user-privilege-set")
	if set == nil {
		return nil, false
	}
	var out []string
	for _, priv := range Children(set, TagPrivilege) {
		for _, c := range priv.ChildElements() {
			out = append(out, strings.ToLower(localName(c.Tag)))
		}
	}
	return out, true
}
