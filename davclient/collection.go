package davclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/cyp0633/davsync/internal/davresult"
	"github.com/cyp0633/davsync/internal/httpclient"
	"github.com/cyp0633/davsync/internal/xml"
)

// CollectionProps are the settable properties of a collection. Empty fields
// are left out of the request.
type CollectionProps struct {
	DisplayName string
	Description string
	Color       string
}

func (p CollectionProps) values(svc Service) []xml.PropValue {
	var out []xml.PropValue
	if p.DisplayName != "" {
		out = append(out, xml.PropValue{Name: xml.DisplayName, Value: p.DisplayName})
	}
	if p.Description != "" {
		out = append(out, xml.PropValue{Name: svc.info().description, Value: p.Description})
	}
	if p.Color != "" && svc == CalDAV {
		out = append(out, xml.PropValue{Name: xml.CalendarColor, Value: p.Color})
	}
	return out
}

// MakeCollection creates a collection below homeSet and returns its URL.
// CalDAV uses MKCALENDAR; CardDAV uses extended MKCOL with an addressbook
// resource type.
func MakeCollection(ctx context.Context, client httpclient.Client, svc Service, homeSet string, props CollectionProps) mo.Result[string] {
	base, err := client.Resolve(homeSet)
	if err != nil {
		return davresult.Fail[string](davresult.KindUnexpected, "MKCOL "+homeSet, err)
	}
	target := base.JoinPath(uuid.New().String()).String() + "/"

	var res mo.Result[*httpclient.Response]
	switch svc {
	case CalDAV:
		res = client.Mkcol(ctx, target, httpclient.MethodMkcalendar, xml.Mkcol(xml.MkCalendar, nil, props.values(svc)))
	case CardDAV:
		res = client.Mkcol(ctx, target, httpclient.MethodMkcol,
			xml.Mkcol(xml.MkcolRequest, []xml.Name{xml.Collection, xml.Addressbook}, props.values(svc)))
	default:
		return davresult.Fail[string](davresult.KindUnexpected, "MKCOL "+target, fmt.Errorf("unknown service %q", svc))
	}
	if res.IsError() {
		return mo.Err[string](res.Error())
	}
	if err := res.MustGet().Err(); err != nil {
		return mo.Err[string](err)
	}
	return mo.Ok(target)
}

// PatchProperties sets collection properties with PROPPATCH. Any property
// the server refuses fails the whole call.
func PatchProperties(ctx context.Context, client httpclient.Client, svc Service, collectionURL string, props CollectionProps) mo.Result[bool] {
	op := "PROPPATCH " + collectionURL
	set := props.values(svc)
	if len(set) == 0 {
		return mo.Ok(false)
	}

	res := client.Proppatch(ctx, collectionURL, xml.Proppatch(set, nil))
	if res.IsError() {
		return mo.Err[bool](res.Error())
	}
	resp := res.MustGet()
	if err := resp.Err(); err != nil {
		return mo.Err[bool](err)
	}
	if len(resp.Body) == 0 {
		return mo.Ok(true)
	}

	ms, err := resp.Multistatus()
	if err != nil {
		return mo.Err[bool](err)
	}
	var refused []string
	for _, r := range ms.Responses {
		for _, ps := range r.PropStats {
			if ps.Status >= 200 && ps.Status < 300 {
				continue
			}
			for _, p := range ps.Props {
				refused = append(refused, fmt.Sprintf("%s (%d)", p.Tag, ps.Status))
			}
		}
	}
	if len(refused) > 0 {
		e := davresult.New(davresult.KindPreconditionFailed, op, fmt.Errorf("refused: %s", strings.Join(refused, ", ")))
		e.StatusCode = resp.StatusCode
		return mo.Err[bool](e)
	}
	return mo.Ok(true)
}
