package xml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"HTTP/1.1 200 OK", 200},
		{"HTTP/1.1 404 Not Found", 404},
		{"HTTP/2 403 Forbidden", 403},
		{"  HTTP/1.0 507 Insufficient Storage ", 507},
		{"", 200},
		{"garbage", 200},
		{"HTTP/1.1 abc", 200},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatusLine(tt.line))
		})
	}
}

func TestParseMultistatusPrefixes(t *testing.T) {
	bodies := map[string]string{
		"D prefix": `<?xml version="1.0"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/calendars/alice/</D:href>
    <D:propstat>
      <D:prop>
        <D:current-user-principal><D:href>/principals/alice/</D:href></D:current-user-principal>
        <C:calendar-home-set><D:href>/calendars/alice/</D:href></C:calendar-home-set>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`,
		"lowercase prefix": `<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/calendars/alice/</d:href>
    <d:propstat>
      <d:prop>
        <d:current-user-principal><d:href>/principals/alice/</d:href></d:current-user-principal>
        <cal:calendar-home-set><d:href>/calendars/alice/</d:href></cal:calendar-home-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`,
		"default namespace": `<multistatus xmlns="DAV:">
  <response>
    <href>/calendars/alice/</href>
    <propstat>
      <prop>
        <current-user-principal><href>/principals/alice/</href></current-user-principal>
        <calendar-home-set xmlns="urn:ietf:params:xml:ns:caldav"><href xmlns="DAV:">/calendars/alice/</href></calendar-home-set>
      </prop>
    </propstat>
  </response>
</multistatus>`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			ms, err := ParseMultistatus([]byte(body))
			require.NoError(t, err)
			require.Len(t, ms.Responses, 1)

			r := ms.Responses[0]
			assert.Equal(t, "/calendars/alice/", r.Href)
			assert.Equal(t, 200, r.Status)
			assert.True(t, r.OK())
			assert.Equal(t, "/principals/alice/", r.PropHref("current-user-principal"))
			assert.Equal(t, "/calendars/alice/", r.PropHref("calendar-home-set"))
		})
	}
}

func TestParseMultistatusPropstats(t *testing.T) {
	body := `<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/calendars/alice/work/</D:href>
    <D:propstat>
      <D:prop>
        <D:resourcetype><D:collection/><C:calendar xmlns:C="urn:ietf:params:xml:ns:caldav"/></D:resourcetype>
        <D:displayname> Work </D:displayname>
        <CS:getctag>ctag-1</CS:getctag>
        <D:current-user-privilege-set>
          <D:privilege><D:read/></D:privilege>
          <D:privilege><D:write-content/></D:privilege>
        </D:current-user-privilege-set>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
    <D:propstat>
      <D:prop><D:owner/></D:prop>
      <D:status>HTTP/1.1 404 Not Found</D:status>
    </D:propstat>
  </D:response>
  <D:response>
    <D:href>/calendars/alice/gone.ics</D:href>
    <D:status>HTTP/1.1 404 Not Found</D:status>
  </D:response>
</D:multistatus>`

	ms, err := ParseMultistatus([]byte(body))
	require.NoError(t, err)
	require.Len(t, ms.Responses, 2)

	col := ms.Responses[0]
	assert.True(t, col.HasResourceType("calendar"))
	assert.True(t, col.HasResourceType("collection"))
	assert.False(t, col.HasResourceType("addressbook"))
	assert.Equal(t, "Work", col.PropText("displayname"))
	assert.Equal(t, "ctag-1", col.PropText("getctag"))
	assert.False(t, col.HasProp("owner"), "404 propstat must not count as present")

	privs, ok := col.Privileges()
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"read", "write-content"}, privs)

	gone := ms.Responses[1]
	assert.Equal(t, 404, gone.Status)
	assert.False(t, gone.OK())
}

func TestParseMultistatusMalformed(t *testing.T) {
	tests := map[string]string{
		"not xml":       "this is not xml",
		"empty":         "",
		"wrong root":    `<D:error xmlns:D="DAV:"><D:status>HTTP/1.1 403 Forbidden</D:status></D:error>`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMultistatus([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestParseMultistatusEscapedData(t *testing.T) {
	body := `<D:multistatus xmlns:D="DAV:" xmlns:CR="urn:ietf:params:xml:ns:carddav">
  <D:response>
    <D:href>/ab/jd.vcf</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"e1"</D:getetag>
        <CR:address-data><![CDATA[BEGIN:VCARD
VERSION:3.0
UID:jd
FN:John <Doe> & Co
END:VCARD]]></CR:address-data>
      </D:prop>
    </D:propstat>
  </D:response>
</D:multistatus>`

	ms, err := ParseMultistatus([]byte(body))
	require.NoError(t, err)
	data := ms.Responses[0].PropText("address-data")
	assert.Contains(t, data, "FN:John <Doe> & Co")
	assert.Contains(t, data, "UID:jd")
	assert.Equal(t, `"e1"`, ms.Responses[0].PropText("getetag"))
}
