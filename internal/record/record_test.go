package record

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var event = crlf(
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//davsync//test//EN",
	"BEGIN:VEVENT",
	"UID:evt-1@example.com",
	"DTSTAMP:20240101T000000Z",
	"DTSTART:20240315T090000Z",
	"DTEND:20240315T100000Z",
	"SUMMARY:Standup",
	"END:VEVENT",
	"END:VCALENDAR",
)

var contact = crlf(
	"BEGIN:VCARD",
	"VERSION:3.0",
	"UID:card-1",
	"FN:John Doe",
	"N:Doe;John;;;",
	"END:VCARD",
)

func TestInspect(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		body   []byte
		want   Meta
	}{
		{
			name:   "event",
			format: ICalendar,
			body:   event,
			want: Meta{
				UID:   "evt-1@example.com",
				Title: "Standup",
				Start: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "contact",
			format: VCard,
			body:   contact,
			want:   Meta{UID: "card-1", Title: "John Doe"},
		},
		{
			name:   "contact without FN",
			format: VCard,
			body: crlf(
				"BEGIN:VCARD",
				"VERSION:3.0",
				"N:Roe;Jane;;;",
				"END:VCARD",
			),
			want: Meta{Title: "Jane Roe"},
		},
		{
			name:   "timezone first",
			format: ICalendar,
			body: crlf(
				"BEGIN:VCALENDAR",
				"VERSION:2.0",
				"PRODID:x",
				"BEGIN:VTIMEZONE",
				"TZID:UTC",
				"BEGIN:STANDARD",
				"DTSTART:19700101T000000",
				"TZOFFSETFROM:+0000",
				"TZOFFSETTO:+0000",
				"END:STANDARD",
				"END:VTIMEZONE",
				"BEGIN:VTODO",
				"UID:todo-1",
				"DTSTAMP:20240101T000000Z",
				"SUMMARY:Buy milk",
				"END:VTODO",
				"END:VCALENDAR",
			),
			want: Meta{UID: "todo-1", Title: "Buy milk"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Inspect(tt.format, tt.body)
			require.NoError(t, err)
			assert.Equal(t, tt.want.UID, got.UID)
			assert.Equal(t, tt.want.Title, got.Title)
			assert.True(t, tt.want.Start.Equal(got.Start), "start %v", got.Start)
		})
	}
}

func TestInspectMalformed(t *testing.T) {
	for _, f := range []Format{ICalendar, VCard} {
		t.Run(f.String(), func(t *testing.T) {
			_, err := Inspect(f, []byte("not a record"))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestSetUID(t *testing.T) {
	t.Run("calendar", func(t *testing.T) {
		noUID := crlf(
			"BEGIN:VCALENDAR",
			"VERSION:2.0",
			"PRODID:x",
			"BEGIN:VEVENT",
			"DTSTART:20240315T090000Z",
			"SUMMARY:Lunch",
			"END:VEVENT",
			"END:VCALENDAR",
		)
		out, err := SetUID(ICalendar, noUID, "new-uid")
		require.NoError(t, err)

		m, err := Inspect(ICalendar, out)
		require.NoError(t, err)
		assert.Equal(t, "new-uid", m.UID)
		assert.Equal(t, "Lunch", m.Title)
		assert.Contains(t, string(out), "DTSTAMP:")
	})

	t.Run("contact", func(t *testing.T) {
		out, err := SetUID(VCard, contact, "replaced")
		require.NoError(t, err)
		uid, err := UID(VCard, out)
		require.NoError(t, err)
		assert.Equal(t, "replaced", uid)
		assert.Contains(t, string(out), "FN:John Doe")
	})
}

func TestNormalize(t *testing.T) {
	assert.True(t, Equal([]byte("A\r\nB\r\n"), []byte("A\nB")))
	assert.True(t, Equal([]byte("A\rB\n\n"), []byte("A\nB")))
	assert.False(t, Equal([]byte("A\nB"), []byte("A\nC")))
	assert.Equal(t, "x", string(Normalize([]byte("x \t\r\n"))))
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, VCard, FormatFor("carddav"))
	assert.Equal(t, ICalendar, FormatFor("caldav"))
	assert.Equal(t, ICalendar, FormatFor(""))
}
