package engine

import (
	"fmt"

	"github.com/tablekit/tablekit/pkg/filter"
	"github.com/tablekit/tablekit/pkg/relation"
)

// Resource wraps a single row with its self link, type tag and a link
// per relation and computed field. Relation links are omitted when the
// relation is absent for the row, e.g. a nullable belongs-to with no
// value.
type Resource struct {
	Type  string            `json:"type"`
	Self  string            `json:"self"`
	Links map[string]string `json:"links,omitempty"`
	Row   map[string]any    `json:"row"`
}

// Collection wraps a page of rows with pagination metadata and
// count/ids convenience links.
type Collection struct {
	Type       string            `json:"type"`
	Self       string            `json:"self"`
	Items      []*Resource       `json:"items"`
	Page       int               `json:"page,omitempty"`
	Limit      int               `json:"limit"`
	HasMore    bool              `json:"hasMore"`
	NextCursor string            `json:"nextCursor,omitempty"`
	Links      map[string]string `json:"links,omitempty"`
}

func (t *Table[C]) selfBase() string {
	return t.registry.baseURL + t.def.Name
}

func (t *Table[C]) shapeResource(row map[string]any) *Resource {
	self := fmt.Sprintf("%s/%v", t.selfBase(), row[t.pk()])

	links := map[string]string{}
	for _, rel := range t.Relations() {
		// A belongs-to with a null FK has nothing to link to.
		if rel.Kind == relation.BelongsTo {
			if v, ok := row[rel.Column]; !ok || v == nil {
				continue
			}
		}
		if _, resolved := row[rel.Name]; resolved {
			continue // eagerly included, no link needed
		}
		links[rel.Name] = self + "/" + rel.Name
	}
	for name := range t.def.Getters {
		if _, resolved := row[name]; resolved {
			continue
		}
		links[name] = self + "/" + name
	}
	if len(links) == 0 {
		links = nil
	}

	return &Resource{
		Type:  t.def.Name,
		Self:  self,
		Links: links,
		Row:   row,
	}
}

func (t *Table[C]) shapeCollection(rows []map[string]any, p *filter.Params, hasMore bool, nextCursor string) *Collection {
	items := make([]*Resource, len(rows))
	for i, row := range rows {
		items[i] = t.shapeResource(row)
	}
	return &Collection{
		Type:       t.def.Name,
		Self:       t.selfBase(),
		Items:      items,
		Page:       p.Page,
		Limit:      p.Limit,
		HasMore:    hasMore,
		NextCursor: nextCursor,
		Links: map[string]string{
			"count": t.selfBase() + "/count",
			"ids":   t.selfBase() + "/ids",
		},
	}
}
