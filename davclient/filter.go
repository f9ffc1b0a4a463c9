package davclient

import (
	"context"
	"fmt"

	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/xml"
)

// ObjectFilter builds a filtered REPORT query against one property.
type ObjectFilter interface {
	// Component sets the comp-filter nesting. CalDAV defaults to
	// VCALENDAR, VEVENT; CardDAV has none.
	Component(names ...string) ObjectFilter
	Prop(name string) ObjectFilter
	Equals(value string) ObjectFilter
	Contains(value string) ObjectFilter
	StartsWith(value string) ObjectFilter
	EndsWith(value string) ObjectFilter
	Collation(collation string) ObjectFilter
	Negate() ObjectFilter
	Limit(limit int) ObjectFilter
	// Do runs the query and returns the entries the server reported as found.
	Do(ctx context.Context) mo.Result[[]Object]
}

type objectFilter struct {
	client *davClient
	match  xml.PropMatch
	limit  int
	err    error
}

func (c *davClient) Query() ObjectFilter {
	f := &objectFilter{client: c}
	if c.service == CalDAV {
		f.match.Components = []string{"VCALENDAR", "VEVENT"}
	}
	return f
}

func (f *objectFilter) Component(names ...string) ObjectFilter {
	f.match.Components = names
	return f
}

func (f *objectFilter) Prop(name string) ObjectFilter {
	f.match.Prop = name
	return f
}

func (f *objectFilter) value(m xml.MatchType, v string) ObjectFilter {
	if f.match.Match != "" && f.err == nil {
		f.err = fmt.Errorf("match type already set to %s", f.match.Match)
	}
	f.match.Match = m
	f.match.Value = v
	return f
}

func (f *objectFilter) Equals(value string) ObjectFilter {
	return f.value(xml.MatchEquals, value)
}

func (f *objectFilter) Contains(value string) ObjectFilter {
	return f.value(xml.MatchContains, value)
}

func (f *objectFilter) StartsWith(value string) ObjectFilter {
	return f.value(xml.MatchStartsWith, value)
}

func (f *objectFilter) EndsWith(value string) ObjectFilter {
	return f.value(xml.MatchEndsWith, value)
}

func (f *objectFilter) Collation(collation string) ObjectFilter {
	f.match.Collation = collation
	return f
}

func (f *objectFilter) Negate() ObjectFilter {
	f.match.Negate = true
	return f
}

func (f *objectFilter) Limit(limit int) ObjectFilter {
	f.limit = limit
	return f
}

func (f *objectFilter) Do(ctx context.Context) mo.Result[[]Object] {
	c := f.client
	op := "REPORT " + c.url.Path
	if f.err != nil {
		return davresult.Fail[[]Object](davresult.KindUnexpected, op, f.err)
	}
	if f.match.Prop == "" {
		return davresult.Fail[[]Object](davresult.KindUnexpected, op, fmt.Errorf("no property to filter on"))
	}

	info := c.service.info()
	body := xml.Query(info.query, []xml.Name{xml.GetETag, info.data}, f.match, f.limit)
	res := report(ctx, c.client, c.url.String(), body)
	if res.IsError() {
		return mo.Err[[]Object](res.Error())
	}
	return mo.Ok(c.objects(res.MustGet(), false))
}
