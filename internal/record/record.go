// Package record reads the few fields the sync engine needs out of raw
// iCalendar and vCard bodies: the UID, a human title and a start time.
// Everything else in a body is carried opaquely.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

// Format selects the body grammar.
type Format int

const (
	ICalendar Format = iota
	VCard
)

// FormatFor maps a service name ("caldav" or "carddav") to its body format.
func FormatFor(service string) Format {
	if service == "carddav" {
		return VCard
	}
	return ICalendar
}

func (f Format) String() string {
	if f == VCard {
		return "vcard"
	}
	return "icalendar"
}

// ErrMalformed is returned when a body cannot be decoded.
var ErrMalformed = errors.New("record: malformed body")

// Meta carries the identity fields of a record.
type Meta struct {
	UID   string
	Title string
	Start time.Time
}

// Inspect decodes body and extracts its Meta. A body without a UID is not
// an error; callers decide whether to stamp one.
func Inspect(f Format, body []byte) (Meta, error) {
	switch f {
	case VCard:
		card, err := decodeCard(body)
		if err != nil {
			return Meta{}, err
		}
		title := card.PreferredValue(vcard.FieldFormattedName)
		if title == "" {
			if n := card.Name(); n != nil {
				title = strings.TrimSpace(n.GivenName + " " + n.FamilyName)
			}
		}
		return Meta{UID: card.Value(vcard.FieldUID), Title: title}, nil
	default:
		cal, err := decodeCalendar(body)
		if err != nil {
			return Meta{}, err
		}
		comp := primary(cal)
		if comp == nil {
			return Meta{}, fmt.Errorf("%w: no component in VCALENDAR", ErrMalformed)
		}
		var m Meta
		if p := comp.Props.Get(ical.PropUID); p != nil {
			m.UID = p.Value
		}
		if p := comp.Props.Get(ical.PropSummary); p != nil {
			m.Title = p.Value
		}
		if comp.Props.Get(ical.PropDateTimeStart) != nil {
			if start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC); err == nil {
				m.Start = start
			}
		}
		return m, nil
	}
}

// UID is shorthand for Inspect(f, body).UID.
func UID(f Format, body []byte) (string, error) {
	m, err := Inspect(f, body)
	return m.UID, err
}

// SetUID rewrites body so its primary component carries uid. For calendars
// every non-timezone component gets the same UID, as required for a
// recurring series with overrides.
func SetUID(f Format, body []byte, uid string) ([]byte, error) {
	var buf bytes.Buffer
	switch f {
	case VCard:
		card, err := decodeCard(body)
		if err != nil {
			return nil, err
		}
		card.SetValue(vcard.FieldUID, uid)
		if card.Value(vcard.FieldVersion) == "" {
			card.SetValue(vcard.FieldVersion, "3.0")
		}
		if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
			return nil, fmt.Errorf("encode vcard: %w", err)
		}
	default:
		cal, err := decodeCalendar(body)
		if err != nil {
			return nil, err
		}
		for _, child := range cal.Children {
			if child.Name == ical.CompTimezone {
				continue
			}
			child.Props.SetText(ical.PropUID, uid)
			// The encoder rejects events without DTSTAMP.
			if child.Name == ical.CompEvent && child.Props.Get(ical.PropDateTimeStamp) == nil {
				child.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
			}
		}
		if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
			return nil, fmt.Errorf("encode calendar: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Normalize canonicalizes line endings and trailing whitespace so bodies that
// went through an XML round-trip compare equal to what was sent.
func Normalize(body []byte) []byte {
	s := strings.ReplaceAll(string(body), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(strings.TrimRight(s, " \t\n"))
}

// Equal reports whether two bodies are the same after Normalize.
func Equal(a, b []byte) bool {
	return bytes.Equal(Normalize(a), Normalize(b))
}

func decodeCalendar(body []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cal, nil
}

func decodeCard(body []byte) (vcard.Card, error) {
	card, err := vcard.NewDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return card, nil
}

// primary returns the first component that is not a VTIMEZONE, preferring
// the master (no RECURRENCE-ID) when a series carries overrides.
func primary(cal *ical.Calendar) *ical.Component {
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompTimezone {
			continue
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
		if first == nil {
			first = child
		}
	}
	return first
}
