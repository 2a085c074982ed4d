package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll fetches every page matching filter, following pagination cursors.
// A nil filter returns the whole database.
func QueryAll(ctx context.Context, c Client, dbID string, filter notionapi.Filter) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for {
		resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
			Filter:      filter,
			StartCursor: cursor,
			PageSize:    100,
		})
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all")
		}
		all = append(all, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
}

// KeyFilter matches pages whose number property keyProp equals key.
func KeyFilter(keyProp string, key int) notionapi.Filter {
	k := float64(key)
	return notionapi.PropertyFilter{
		Property: keyProp,
		Number:   &notionapi.NumberFilterCondition{Equals: &k},
	}
}

// FindByKey returns the page whose keyProp equals key, or nil when none
// does. Duplicate keys resolve to the first page Notion returns.
func FindByKey(ctx context.Context, c Client, dbID, keyProp string, key int) (*notionapi.Page, error) {
	resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter:   KeyFilter(keyProp, key),
		PageSize: 1,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: find key %d", key)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// MaxKey returns the largest keyProp value in the database, and false when
// no page has one.
func MaxKey(ctx context.Context, c Client, dbID, keyProp string) (int, bool, error) {
	resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: keyProp,
			Number:   &notionapi.NumberFilterCondition{IsNotEmpty: true},
		},
		Sorts:    []notionapi.SortObject{{Property: keyProp, Direction: notionapi.SortOrderDESC}},
		PageSize: 1,
	})
	if err != nil {
		return 0, false, eris.Wrap(err, "notion: max key")
	}
	if len(resp.Results) == 0 {
		return 0, false, nil
	}
	key, ok := KeyOf(resp.Results[0], keyProp)
	return key, ok, nil
}

// KeyOf reads the number property keyProp of a page.
func KeyOf(p notionapi.Page, keyProp string) (int, bool) {
	prop, ok := p.Properties[keyProp].(*notionapi.NumberProperty)
	if !ok {
		return 0, false
	}
	return int(prop.Number), true
}

// PlainText concatenates the plain text of rich-text segments.
func PlainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		b.WriteString(t.PlainText)
	}
	return b.String()
}

// maxSegment is Notion's limit on the length of one rich-text segment.
const maxSegment = 2000

// RichText splits s into text segments that respect Notion's length limit.
func RichText(s string) []notionapi.RichText {
	if s == "" {
		return []notionapi.RichText{}
	}
	runes := []rune(s)
	var out []notionapi.RichText
	for len(runes) > 0 {
		n := min(len(runes), maxSegment)
		chunk := string(runes[:n])
		out = append(out, notionapi.RichText{
			Type:      notionapi.ObjectTypeText,
			Text:      &notionapi.Text{Content: chunk},
			PlainText: chunk,
		})
		runes = runes[n:]
	}
	return out
}

// PropertyText reads a page property as a string. Numbers are formatted
// without trailing zeros and checkboxes as TRUE or FALSE.
func PropertyText(p notionapi.Property) (string, bool) {
	switch v := p.(type) {
	case *notionapi.TitleProperty:
		return PlainText(v.Title), true
	case *notionapi.RichTextProperty:
		return PlainText(v.RichText), true
	case *notionapi.NumberProperty:
		return formatNumber(v.Number), true
	case *notionapi.URLProperty:
		return v.URL, true
	case *notionapi.CheckboxProperty:
		if v.Checkbox {
			return "TRUE", true
		}
		return "FALSE", true
	case *notionapi.SelectProperty:
		return v.Select.Name, true
	}
	return "", false
}
