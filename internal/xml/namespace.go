// Package xml builds WebDAV, CalDAV and CardDAV request bodies and parses
// multistatus responses. Parsing matches elements by local name only, since
// servers bind the same namespace to different prefixes.
package xml

import (
	"strings"

	"github.com/beevik/etree"
)

// Namespace definitions for WebDAV and its extensions
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CardDAV is the CardDAV namespace
	CardDAV = "urn:ietf:params:xml:ns:carddav"
	// CalendarServer is the Calendar Server namespace (getctag)
	CalendarServer = "http://calendarserver.org/ns/"
	// AppleICal is the Apple iCal namespace (calendar-color)
	AppleICal = "http://apple.com/ns/ical/"
)

var prefixes = map[string]string{
	DAV:            "D",
	CalDAV:         "C",
	CardDAV:        "CR",
	CalendarServer: "CS",
	AppleICal:      "IC",
}

// Name is a namespaced element name.
type Name struct {
	Space string
	Local string
}

// Common property and element names
var (
	ResourceType            = Name{DAV, "resourcetype"}
	DisplayName             = Name{DAV, "displayname"}
	GetETag                 = Name{DAV, "getetag"}
	GetContentType          = Name{DAV, "getcontenttype"}
	Owner                   = Name{DAV, "owner"}
	SyncToken               = Name{DAV, "sync-token"}
	CurrentUserPrincipal    = Name{DAV, "current-user-principal"}
	CurrentUserPrivilegeSet = Name{DAV, "current-user-privilege-set"}
	Collection              = Name{DAV, "collection"}
	GetCTag                 = Name{CalendarServer, "getctag"}
	CalendarColor           = Name{AppleICal, "calendar-color"}

	CalendarHomeSet        = Name{CalDAV, "calendar-home-set"}
	CalendarDescription    = Name{CalDAV, "calendar-description"}
	CalendarData           = Name{CalDAV, "calendar-data"}
	Calendar               = Name{CalDAV, "calendar"}
	CalendarMultiget       = Name{CalDAV, "calendar-multiget"}
	CalendarQuery          = Name{CalDAV, "calendar-query"}
	MkCalendar             = Name{CalDAV, "mkcalendar"}
	SupportedComponentSet  = Name{CalDAV, "supported-calendar-component-set"}
	AddressbookHomeSet     = Name{CardDAV, "addressbook-home-set"}
	AddressbookDescription = Name{CardDAV, "addressbook-description"}
	AddressData            = Name{CardDAV, "address-data"}
	Addressbook            = Name{CardDAV, "addressbook"}
	AddressbookMultiget    = Name{CardDAV, "addressbook-multiget"}
	AddressbookQuery       = Name{CardDAV, "addressbook-query"}
	MkcolRequest           = Name{DAV, "mkcol"}
)

// Common XML tag names used in multistatus bodies
const (
	TagMultistatus = "multistatus"
	TagResponse    = "response"
	TagHref        = "href"
	TagPropstat    = "propstat"
	TagProp        = "prop"
	TagStatus      = "status"
	TagError       = "error"
	TagPrivilege   = "privilege"
)

func prefixFor(space string) string {
	if p, ok := prefixes[space]; ok {
		return p
	}
	return "X"
}

// localName strips any prefix left in a tag.
func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

// Is reports whether elem has the given local name, ignoring namespace.
func Is(elem *etree.Element, local string) bool {
	return elem != nil && strings.EqualFold(localName(elem.Tag), local)
}

// Child returns the first child of elem with the given local name.
func Child(elem *etree.Element, local string) *etree.Element {
	if elem == nil {
		return nil
	}
	for _, c := range elem.ChildElements() {
		if Is(c, local) {
			return c
		}
	}
	return nil
}

// Children returns every child of elem with the given local name.
func Children(elem *etree.Element, local string) []*etree.Element {
	if elem == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range elem.ChildElements() {
		if Is(c, local) {
			out = append(out, c)
		}
	}
	return out
}

// Text returns the trimmed character data of elem.
func Text(elem *etree.Element) string {
	if elem == nil {
		return ""
	}
	return strings.TrimSpace(elem.Text())
}
