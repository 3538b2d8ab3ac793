// Package mapper holds the transforms applied to fetched pages before staging.
package mapper

import (
	"github.com/samber/lo"

	"tracker-data-sync/internal/services/extract"
)

// Mapper transforms a fetched page
type Mapper func(extract.Page) extract.Page

// TEIFunc transforms a single tracked entity instance
type TEIFunc func(tei map[string]interface{}) map[string]interface{}

// Identity returns the page unchanged
func Identity(p extract.Page) extract.Page {
	return p
}

// ForEachTEI lifts fn to a page mapper
func ForEachTEI(fn TEIFunc) Mapper {
	return func(p extract.Page) extract.Page {
		p.TrackedEntityInstances = lo.Map(p.TrackedEntityInstances, func(tei map[string]interface{}, _ int) map[string]interface{} {
			return fn(tei)
		})
		return p
	}
}

// Chain applies mappers in order
func Chain(mappers ...Mapper) Mapper {
	return func(p extract.Page) extract.Page {
		for _, m := range mappers {
			if m != nil {
				p = m(p)
			}
		}
		return p
	}
}

// DropFields removes the named keys from every tracked entity instance
func DropFields(fields ...string) Mapper {
	return ForEachTEI(func(tei map[string]interface{}) map[string]interface{} {
		return lo.OmitByKeys(tei, fields)
	})
}
