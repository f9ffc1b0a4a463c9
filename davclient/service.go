package davclient

import (
	"github.com/cyp0633/davsync/internal/xml"
)

// Service identifies one of the two DAV flavors.
type Service string

const (
	CalDAV  Service = "caldav"
	CardDAV Service = "carddav"
)

type serviceInfo struct {
	wellKnown   string
	srv         []string
	probes      []string
	homeSet     xml.Name
	marker      string
	data        xml.Name
	description xml.Name
	multiget    xml.Name
	query       xml.Name
	contentType string
	ext         string
}

var services = map[Service]serviceInfo{
	CalDAV: {
		wellKnown:   "/.well-known/caldav",
		srv:         []string{"_caldavs._tcp.", "_caldav._tcp."},
		probes:      []string{"/", "/dav/", "/caldav/", "/remote.php/dav/", "/dav.php/", "/calendars/"},
		homeSet:     xml.CalendarHomeSet,
		marker:      "calendar",
		data:        xml.CalendarData,
		description: xml.CalendarDescription,
		multiget:    xml.CalendarMultiget,
		query:       xml.CalendarQuery,
		contentType: "text/calendar; charset=utf-8",
		ext:         ".ics",
	},
	CardDAV: {
		wellKnown:   "/.well-known/carddav",
		srv:         []string{"_carddavs._tcp.", "_carddav._tcp."},
		probes:      []string{"/", "/dav/", "/carddav/", "/remote.php/dav/", "/dav.php/", "/addressbooks/"},
		homeSet:     xml.AddressbookHomeSet,
		marker:      "addressbook",
		data:        xml.AddressData,
		description: xml.AddressbookDescription,
		multiget:    xml.AddressbookMultiget,
		query:       xml.AddressbookQuery,
		contentType: "text/vcard; charset=utf-8",
		ext:         ".vcf",
	},
}

// Valid reports whether s is a known service.
func (s Service) Valid() bool {
	_, ok := services[s]
	return ok
}

func (s Service) info() serviceInfo {
	return services[s]
}

// ContentType is the media type of resources in this service.
func (s Service) ContentType() string { return s.info().contentType }

// Ext is the file extension used for new resources.
func (s Service) Ext() string { return s.info().ext }

// HomeSet is the principal property pointing at the collection container.
func (s Service) HomeSet() xml.Name { return s.info().homeSet }

// DataProp is the property carrying the resource body in REPORT responses.
func (s Service) DataProp() xml.Name { return s.info().data }
