package xml

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, data []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(data))
	require.NotNil(t, doc.Root())
	return doc.Root()
}

func TestPropfind(t *testing.T) {
	root := parse(t, Propfind(ResourceType, GetCTag, CalendarHomeSet))

	assert.Equal(t, "D", root.Space)
	assert.Equal(t, "propfind", root.Tag)
	assert.Equal(t, DAV, root.SelectAttrValue("xmlns:D", ""))
	assert.Equal(t, CalendarServer, root.SelectAttrValue("xmlns:CS", ""))
	assert.Equal(t, CalDAV, root.SelectAttrValue("xmlns:C", ""))

	prop := Child(root, TagProp)
	require.NotNil(t, prop)
	kids := prop.ChildElements()
	require.Len(t, kids, 3)
	assert.Equal(t, "resourcetype", kids[0].Tag)
	assert.Equal(t, "CS", kids[1].Space)
	assert.Equal(t, "calendar-home-set", kids[2].Tag)
}

func TestMultiget(t *testing.T) {
	hrefs := []string{"/cal/a.ics", "/cal/b.ics"}
	root := parse(t, Multiget(CalendarMultiget, []Name{GetETag, CalendarData}, hrefs))

	assert.Equal(t, "calendar-multiget", root.Tag)
	got := Children(root, TagHref)
	require.Len(t, got, 2)
	assert.Equal(t, "/cal/a.ics", Text(got[0]))
	assert.Equal(t, "/cal/b.ics", Text(got[1]))
}

func TestQueryCardDAV(t *testing.T) {
	body := Query(AddressbookQuery, []Name{GetETag, AddressData}, PropMatch{
		Prop:  "FN",
		Value: "Doe",
	}, 10)
	root := parse(t, body)

	filter := Child(root, "filter")
	require.NotNil(t, filter)
	assert.Equal(t, "CR", filter.Space)

	pf := Child(filter, "prop-filter")
	require.NotNil(t, pf)
	assert.Equal(t, "FN", pf.SelectAttrValue("name", ""))

	tm := Child(pf, "text-match")
	require.NotNil(t, tm)
	assert.Equal(t, "Doe", Text(tm))
	assert.Equal(t, "contains", tm.SelectAttrValue("match-type", ""))
	assert.Equal(t, DefaultCollation, tm.SelectAttrValue("collation", ""))
	assert.Nil(t, tm.SelectAttr("negate-condition"))

	limit := Child(root, "limit")
	require.NotNil(t, limit)
	assert.Equal(t, "10", Text(Child(limit, "nresults")))
}

func TestQueryCalDAVNested(t *testing.T) {
	body := Query(CalendarQuery, []Name{GetETag}, PropMatch{
		Components: []string{"VCALENDAR", "VEVENT"},
		Prop:       "SUMMARY",
		Value:      "standup",
		Match:      MatchStartsWith,
		Collation:  "i;octet",
		Negate:     true,
	}, 0)
	root := parse(t, body)

	cal := Child(Child(root, "filter"), "comp-filter")
	require.NotNil(t, cal)
	assert.Equal(t, "VCALENDAR", cal.SelectAttrValue("name", ""))
	ev := Child(cal, "comp-filter")
	require.NotNil(t, ev)
	assert.Equal(t, "VEVENT", ev.SelectAttrValue("name", ""))

	tm := Child(Child(ev, "prop-filter"), "text-match")
	require.NotNil(t, tm)
	assert.Equal(t, "starts-with", tm.SelectAttrValue("match-type", ""))
	assert.Equal(t, "i;octet", tm.SelectAttrValue("collation", ""))
	assert.Equal(t, "yes", tm.SelectAttrValue("negate-condition", ""))
	assert.Nil(t, Child(root, "limit"))
}

func TestMkcolAndProppatch(t *testing.T) {
	root := parse(t, Mkcol(MkcolRequest, []Name{Collection, Addressbook}, []PropValue{
		{Name: DisplayName, Value: "Friends"},
	}))
	assert.Equal(t, "mkcol", root.Tag)
	prop := Child(Child(root, "set"), TagProp)
	require.NotNil(t, prop)
	rt := Child(prop, "resourcetype")
	require.NotNil(t, rt)
	assert.Len(t, rt.ChildElements(), 2)
	assert.Equal(t, "Friends", Text(Child(prop, "displayname")))

	patch := parse(t, Proppatch(
		[]PropValue{{Name: DisplayName, Value: "Renamed"}},
		[]Name{CalendarColor},
	))
	assert.Equal(t, "propertyupdate", patch.Tag)
	assert.Equal(t, "Renamed", Text(Child(Child(Child(patch, "set"), TagProp), "displayname")))
	assert.NotNil(t, Child(Child(Child(patch, "remove"), TagProp), "calendar-color"))
}
