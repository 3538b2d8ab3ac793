package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsQuery(t *testing.T) {
	t.Run("Should apply defaults and encode every parameter", func(t *testing.T) {
		params := Params{Program: "IpHINAT79UW", OrgUnit: "ImspTQPwCqd"}.WithDefaults()

		q := params.Query(3)

		assert.Equal(t, "IpHINAT79UW", q["program"])
		assert.Equal(t, "ImspTQPwCqd", q["ou"])
		assert.Equal(t, "DESCENDANTS", q["ouMode"])
		assert.Equal(t, DefaultFields, q["fields"])
		assert.Equal(t, "true", q["totalPages"])
		assert.Equal(t, "false", q["skipPaging"])
		assert.Equal(t, "3", q["page"])
		assert.Equal(t, "50", q["pageSize"])
		assert.NotContains(t, q, "lastUpdatedDuration")
		assert.Equal(t, 1, params.Concurrency)
	})

	t.Run("Should add lookback filter when a duration is set", func(t *testing.T) {
		q := Params{Program: "p", OrgUnit: "o", Duration: 30, PageSize: 10}.WithDefaults().Query(1)

		assert.Equal(t, "30d", q["lastUpdatedDuration"])
		assert.Equal(t, "10", q["pageSize"])
	})

	t.Run("Should keep an explicit ou mode", func(t *testing.T) {
		q := Params{OUMode: "SELECTED"}.WithDefaults().Query(1)
		assert.Equal(t, "SELECTED", q["ouMode"])
	})
}

func TestPageKey(t *testing.T) {
	t.Run("Should build and parse page keys", func(t *testing.T) {
		key := PageKey("IpHINAT79UW", "ImspTQPwCqd", 12)
		assert.Equal(t, "IpHINAT79UW-ImspTQPwCqd-page-12", key)

		page, err := PageFromKey(key)
		require.NoError(t, err)
		assert.Equal(t, 12, page)
	})

	t.Run("Should reject keys without a valid page index", func(t *testing.T) {
		for _, key := range []string{"summary", "p-o-page-", "p-o-page-x", "p-o-page-0"} {
			_, err := PageFromKey(key)
			assert.Error(t, err, key)
		}
	})
}

func TestPageJSON(t *testing.T) {
	t.Run("Should keep unknown envelope keys and exact numbers", func(t *testing.T) {
		in := `{"pager":{"page":1,"total":3,"pageSize":50,"pageCount":1},"meta":{"tag":"x"},` +
			`"trackedEntityInstances":[{"trackedEntityInstance":"tei-1","serial":9007199254740993,"ratio":0.1}]}`

		var page Page
		require.NoError(t, json.Unmarshal([]byte(in), &page))
		require.NotNil(t, page.Pager)
		assert.Equal(t, 1, page.Pager.PageCount)
		assert.Equal(t, json.Number("9007199254740993"), page.TrackedEntityInstances[0]["serial"])
		assert.Contains(t, page.Extra, "meta")

		out, err := json.Marshal(page)
		require.NoError(t, err)
		assert.JSONEq(t, in, string(out))
		assert.Contains(t, string(out), "9007199254740993")
	})

	t.Run("Should write an empty record list for an empty page", func(t *testing.T) {
		out, err := json.Marshal(Page{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"trackedEntityInstances":[]}`, string(out))
	})
}
