package xml

import (
	"strconv"

	"github.com/beevik/etree"
)

// MatchType selects the text-match comparison of a property filter.
type MatchType string

const (
	MatchEquals     MatchType = "equals"
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "starts-with"
	MatchEndsWith   MatchType = "ends-with"
)

// DefaultCollation is used when a filter does not name one.
const DefaultCollation = "i;unicode-casemap"

// PropValue is a property to set in MKCOL or PROPPATCH bodies.
type PropValue struct {
	Name  Name
	Value string
}

// PropMatch describes a property filter. Components is the comp-filter
// nesting for CalDAV (e.g. VCALENDAR, VEVENT); it is empty for CardDAV,
// where prop-filter sits directly under filter.
type PropMatch struct {
	Components []string
	Prop       string
	Value      string
	Match      MatchType
	Collation  string
	Negate     bool
}

// builder creates prefixed elements and declares each namespace once on the root.
type builder struct {
	doc      *etree.Document
	root     *etree.Element
	declared map[string]bool
}

func newBuilder(root Name) *builder {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	b := &builder{doc: doc, declared: make(map[string]bool)}
	b.root = doc.CreateElement(prefixFor(root.Space) + ":" + root.Local)
	b.declare(root.Space)
	return b
}

func (b *builder) declare(space string) {
	if b.declared[space] {
		return
	}
	b.declared[space] = true
	b.root.CreateAttr("xmlns:"+prefixFor(space), space)
}

func (b *builder) elem(parent *etree.Element, n Name) *etree.Element {
	b.declare(n.Space)
	return parent.CreateElement(prefixFor(n.Space) + ":" + n.Local)
}

func (b *builder) props(parent *etree.Element, names []Name) {
	prop := b.elem(parent, Name{DAV, TagProp})
	for _, n := range names {
		b.elem(prop, n)
	}
}

func (b *builder) bytes() []byte {
	out, err := b.doc.WriteToBytes()
	if err != nil {
		return nil
	}
	return out
}

// Propfind builds a PROPFIND body requesting the given properties.
func Propfind(props ...Name) []byte {
	b := newBuilder(Name{DAV, "propfind"})
	b.props(b.root, props)
	return b.bytes()
}

// Multiget builds a calendar-multiget or addressbook-multiget body.
func Multiget(root Name, props []Name, hrefs []string) []byte {
	b := newBuilder(root)
	b.props(b.root, props)
	for _, href := range hrefs {
		b.elem(b.root, Name{DAV, TagHref}).SetText(href)
	}
	return b.bytes()
}

// Query builds a calendar-query or addressbook-query body with a single
// property filter. The filter elements live in the root's namespace.
func Query(root Name, props []Name, m PropMatch, limit int) []byte {
	b := newBuilder(root)
	ns := root.Space
	b.props(b.root, props)

	parent := b.elem(b.root, Name{ns, "filter"})
	for _, comp := range m.Components {
		parent = b.elem(parent, Name{ns, "comp-filter"})
		parent.CreateAttr("name", comp)
	}

	pf := b.elem(parent, Name{ns, "prop-filter"})
	pf.CreateAttr("name", m.Prop)

	tm := b.elem(pf, Name{ns, "text-match"})
	collation := m.Collation
	if collation == "" {
		collation = DefaultCollation
	}
	match := m.Match
	if match == "" {
		match = MatchContains
	}
	tm.CreateAttr("collation", collation)
	tm.CreateAttr("match-type", string(match))
	if m.Negate {
		tm.CreateAttr("negate-condition", "yes")
	}
	tm.SetText(m.Value)

	if limit > 0 {
		l := b.elem(b.root, Name{ns, "limit"})
		b.elem(l, Name{ns, "nresults"}).SetText(strconv.Itoa(limit))
	}
	return b.bytes()
}

// Mkcol builds an extended MKCOL or MKCALENDAR body. resourceTypes is only
// emitted when non-empty (MKCALENDAR implies its resource type).
func Mkcol(root Name, resourceTypes []Name, set []PropValue) []byte {
	b := newBuilder(root)
	prop := b.elem(b.elem(b.root, Name{DAV, "set"}), Name{DAV, TagProp})
	if len(resourceTypes) > 0 {
		rt := b.elem(prop, ResourceType)
		for _, n := range resourceTypes {
			b.elem(rt, n)
		}
	}
	for _, pv := range set {
		b.elem(prop, pv.Name).SetText(pv.Value)
	}
	return b.bytes()
}

// Proppatch builds a PROPPATCH body.
func Proppatch(set []PropValue, remove []Name) []byte {
	b := newBuilder(Name{DAV, "propertyupdate"})
	if len(set) > 0 {
		prop := b.elem(b.elem(b.root, Name{DAV, "set"}), Name{DAV, TagProp})
		for _, pv := range set {
			b.elem(prop, pv.Name).SetText(pv.Value)
		}
	}
	if len(remove) > 0 {
		prop := b.elem(b.elem(b.root, Name{DAV, "remove"}), Name{DAV, TagProp})
		for _, n := range remove {
			b.elem(prop, n)
		}
	}
	return b.bytes()
}
