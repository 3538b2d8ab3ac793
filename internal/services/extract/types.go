package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Endpoint is the DHIS2 tracked entity instance resource
	Endpoint = "api/trackedEntityInstances"

	DefaultOUMode      = "DESCENDANTS"
	DefaultFields      = ":all,attributes[:all,attribute,code,value],enrollments[*],orgUnit,trackedEntityInstance"
	DefaultPageSize    = 50
	DefaultConcurrency = 1

	pageKeySeparator = "-page-"

	pagerField = "pager"
	teiField   = "trackedEntityInstances"
)

// Params describes what to extract. It is built once per run and never mutated.
type Params struct {
	Program     string
	OrgUnit     string
	OUMode      string // SELECTED, DESCENDANTS or ACCESSIBLE
	Fields      string
	PageSize    int
	Duration    int // lookback in days, 0 means all data
	Concurrency int
}

// WithDefaults fills unset fields
func (p Params) WithDefaults() Params {
	if p.OUMode == "" {
		p.OUMode = DefaultOUMode
	}
	if p.Fields == "" {
		p.Fields = DefaultFields
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.Concurrency <= 0 {
		p.Concurrency = DefaultConcurrency
	}
	return p
}

// Query returns the query parameters for fetching page
func (p Params) Query(page int) map[string]string {
	params := map[string]string{
		"program":    p.Program,
		"ou":         p.OrgUnit,
		"ouMode":     p.OUMode,
		"fields":     p.Fields,
		"totalPages": "true",
		"skipPaging": "false",
		"page":       strconv.Itoa(page),
		"pageSize":   strconv.Itoa(p.PageSize),
	}
	if p.Duration > 0 {
		params["lastUpdatedDuration"] = fmt.Sprintf("%dd", p.Duration)
	}
	return params
}

// Pagination is the pager block of a paged DHIS2 response
type Pagination struct {
	Page      int `json:"page,omitempty"`
	Total     int `json:"total"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
}

// Page is one fetched slice of tracked entity instances, staged as-is.
// Numbers inside records decode as json.Number so they are written back
// exactly as received.
type Page struct {
	Pager                  *Pagination
	TrackedEntityInstances []map[string]interface{}
	// Extra holds any other top-level keys of the response
	Extra map[string]json.RawMessage
}

func (p *Page) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*p = Page{}
	if raw, ok := fields[pagerField]; ok {
		delete(fields, pagerField)
		if err := json.Unmarshal(raw, &p.Pager); err != nil {
			return fmt.Errorf("invalid pager: %w", err)
		}
	}
	if raw, ok := fields[teiField]; ok {
		delete(fields, teiField)
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&p.TrackedEntityInstances); err != nil {
			return fmt.Errorf("invalid %s: %w", teiField, err)
		}
	}
	if len(fields) > 0 {
		p.Extra = fields
	}
	return nil
}

func (p Page) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.Pager != nil {
		out[pagerField] = p.Pager
	}
	teis := p.TrackedEntityInstances
	if teis == nil {
		teis = []map[string]interface{}{}
	}
	out[teiField] = teis
	return json.Marshal(out)
}

// PageKey returns the storage key for a page: {program}-{orgUnit}-page-{index}
func PageKey(program, orgUnit string, page int) string {
	return fmt.Sprintf("%s-%s%s%d", program, orgUnit, pageKeySeparator, page)
}

// PageFromKey extracts the page index from a key built by PageKey
func PageFromKey(key string) (int, error) {
	i := strings.LastIndex(key, pageKeySeparator)
	if i < 0 {
		return 0, fmt.Errorf("invalid page key %q", key)
	}
	page, err := strconv.Atoi(key[i+len(pageKeySeparator):])
	if err != nil || page < 1 {
		return 0, fmt.Errorf("invalid page index in key %q", key)
	}
	return page, nil
}

// Sink receives keys of staged pages. Enqueue must not block on the upload outcome.
type Sink interface {
	Enqueue(key string)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(key string)

func (f SinkFunc) Enqueue(key string) { f(key) }
