package recordstore

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/registry"
	"github.com/sells-group/catalog-cli/pkg/notion"
)

// Notion property names with fixed meaning.
const (
	NotionRowProperty   = "Row Number"
	NotionTitleProperty = "Name"
)

// NotionAdapter keeps each collection in its own Notion database. The title
// field maps to the database's title property, the row number to a number
// property that doubles as the lookup key, and every other field to a
// rich-text property named by its document key. Deleting a record archives
// its page.
type NotionAdapter struct {
	client    notion.Client
	databases map[string]string
	reg       *registry.Registry
}

// NewNotion creates an adapter. databases maps collection names to database IDs.
func NewNotion(client notion.Client, databases map[string]string, reg *registry.Registry) *NotionAdapter {
	return &NotionAdapter{
		client:    client,
		databases: databases,
		reg:       reg,
	}
}

func (n *NotionAdapter) Name() string { return registry.StoreDocs }

func (n *NotionAdapter) database(collection string) (*registry.Collection, string, error) {
	coll, err := n.reg.Collection(collection)
	if err != nil {
		return nil, "", err
	}
	dbID, ok := n.databases[collection]
	if !ok || dbID == "" {
		return nil, "", eris.Errorf("notion docs: no database for collection %q", collection)
	}
	return coll, dbID, nil
}

// find returns the live page holding row, or nil when there is none.
func (n *NotionAdapter) find(ctx context.Context, collection string, row int) (*notionapi.Page, *registry.Collection, error) {
	coll, dbID, err := n.database(collection)
	if err != nil {
		return nil, nil, err
	}
	page, err := notion.FindByKey(ctx, n.client, dbID, NotionRowProperty, row)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "notion docs: find %s row %d", collection, row)
	}
	if page != nil && page.Archived {
		page = nil
	}
	return page, coll, nil
}

func (n *NotionAdapter) Get(ctx context.Context, collection string, row int) (*model.Record, error) {
	page, coll, err := n.find(ctx, collection, row)
	if err != nil || page == nil {
		return nil, err
	}
	rec := model.NewRecord(collection, row, pageFields(coll, *page))
	return &rec, nil
}

func (n *NotionAdapter) ListAll(ctx context.Context, collection string) (map[int]model.Record, error) {
	coll, dbID, err := n.database(collection)
	if err != nil {
		return nil, err
	}
	pages, err := notion.QueryAll(ctx, n.client, dbID, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "notion docs: list %s", collection)
	}

	out := make(map[int]model.Record, len(pages))
	for _, p := range pages {
		if p.Archived {
			continue
		}
		row, ok := notion.KeyOf(p, NotionRowProperty)
		if !ok || row < FirstDataRow {
			continue
		}
		if _, dup := out[row]; dup {
			continue
		}
		out[row] = model.NewRecord(collection, row, pageFields(coll, p))
	}
	return out, nil
}

func (n *NotionAdapter) UpsertFields(ctx context.Context, collection string, row int, fields map[string]string, overwrite bool) (bool, error) {
	if err := checkRow(row); err != nil {
		return false, err
	}
	page, coll, err := n.find(ctx, collection, row)
	if err != nil {
		return false, err
	}

	var existing map[string]string
	if page != nil {
		existing = pageFields(coll, *page)
	}
	_, changed := mergeFields(existing, fields, overwrite)
	if len(changed) == 0 {
		return false, nil
	}

	props := properties(coll, changed)
	if page != nil {
		if _, err := n.client.UpdatePage(ctx, string(page.ID), props); err != nil {
			return false, eris.Wrapf(err, "notion docs: update %s row %d", collection, row)
		}
		return true, nil
	}
	if err := n.create(ctx, collection, row, props); err != nil {
		return false, err
	}
	return true, nil
}

func (n *NotionAdapter) Append(ctx context.Context, collection string, fields map[string]string) (int, error) {
	coll, dbID, err := n.database(collection)
	if err != nil {
		return 0, err
	}
	last, ok, err := notion.MaxKey(ctx, n.client, dbID, NotionRowProperty)
	if err != nil {
		return 0, eris.Wrapf(err, "notion docs: append %s", collection)
	}
	row := FirstDataRow
	if ok {
		row = max(row, last+1)
	}
	if err := n.create(ctx, collection, row, properties(coll, nonEmpty(fields))); err != nil {
		return 0, err
	}
	return row, nil
}

func (n *NotionAdapter) Delete(ctx context.Context, collection string, row int) (bool, error) {
	page, _, err := n.find(ctx, collection, row)
	if err != nil || page == nil {
		return false, err
	}
	if err := n.client.ArchivePage(ctx, string(page.ID)); err != nil {
		return false, eris.Wrapf(err, "notion docs: archive %s row %d", collection, row)
	}
	return true, nil
}

func (n *NotionAdapter) create(ctx context.Context, collection string, row int, props notionapi.Properties) error {
	_, dbID, err := n.database(collection)
	if err != nil {
		return err
	}
	props[NotionRowProperty] = notionapi.NumberProperty{Number: float64(row)}
	_, err = n.client.CreatePage(ctx, dbID, props)
	return eris.Wrapf(err, "notion docs: create %s row %d", collection, row)
}

// pageFields reads a page's properties as field values.
func pageFields(coll *registry.Collection, p notionapi.Page) map[string]string {
	fields := make(map[string]string)
	for name, prop := range p.Properties {
		if name == NotionRowProperty {
			continue
		}
		v, ok := notion.PropertyText(prop)
		if !ok || v == "" {
			continue
		}
		if _, isTitle := prop.(*notionapi.TitleProperty); isTitle {
			fields[model.FieldTitle] = v
			continue
		}
		if f, ok := coll.FieldByDocKey(name); ok {
			fields[f.Name] = v
		} else {
			fields[name] = v
		}
	}
	return fields
}

// properties builds page properties for fields. A blank value clears the
// property.
func properties(coll *registry.Collection, fields map[string]string) notionapi.Properties {
	props := make(notionapi.Properties, len(fields))
	for name, v := range fields {
		if name == model.FieldTitle {
			props[NotionTitleProperty] = &notionapi.TitleProperty{Title: notion.RichText(v)}
			continue
		}
		props[coll.DocKeyOf(name)] = &notionapi.RichTextProperty{RichText: notion.RichText(v)}
	}
	return props
}
