package schema

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhis2submit/internal/api"
	"dhis2submit/internal/failure"
	"dhis2submit/internal/models"
)

func combo(id string, options ...string) CategoryOptionCombo {
	c := CategoryOptionCombo{ID: id, Name: id}
	for _, name := range options {
		c.CategoryOptions = append(c.CategoryOptions, CategoryOption{ID: "opt-" + name, Name: name})
	}
	return c
}

func element(id, name string, combos ...CategoryOptionCombo) DataElementDefinition {
	return DataElementDefinition{ID: id, Name: name, CategoryCombo: CategoryCombo{OptionCombos: combos}}
}

func TestFlatten(t *testing.T) {
	t.Run("Should keep only single-option combos", func(t *testing.T) {
		schema := &DatasetSchema{
			ID:   "D1",
			Name: "Malaria",
			Elements: []DataElementDefinition{
				element("E1", "Cases", combo("C1", "5-9"), combo("C2", "5-9", "Female")),
			},
		}

		table, report, err := Flatten(schema, Options{})
		require.NoError(t, err)

		assert.Equal(t, 1, table.Len())
		target, ok := table.Lookup("5-9")
		require.True(t, ok)
		assert.Equal(t, models.DimensionTarget{DataElementID: "E1", CategoryOptionComboID: "C1"}, target)
		assert.Equal(t, 1, report.Excluded)
		assert.Equal(t, 1, report.Entries)
	})

	t.Run("Should produce one entry per single-option combo", func(t *testing.T) {
		schema := &DatasetSchema{
			ID: "D1",
			Elements: []DataElementDefinition{
				element("E1", "Cases", combo("C1", "<5"), combo("C2", "5-9"), combo("C0")),
				element("E2", "Deaths", combo("C3", "Male"), combo("C4", "Female"), combo("C5", "Male", "<5")),
			},
		}

		table, report, err := Flatten(schema, Options{})
		require.NoError(t, err)
		assert.Equal(t, 4, table.Len())
		assert.Equal(t, []string{"5-9", "<5", "Female", "Male"}, table.Labels())
		assert.Equal(t, 2, report.Excluded)
	})

	t.Run("Should report elements without addressable dimensions", func(t *testing.T) {
		schema := &DatasetSchema{
			ID: "D1",
			Elements: []DataElementDefinition{
				element("E1", "Cases", combo("C1", "5-9")),
				element("E2", "Stock", combo("C9", "A", "B")),
			},
		}

		table, report, err := Flatten(schema, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, table.Len())
		require.Len(t, report.EmptyElements, 1)
		assert.Equal(t, "E2", report.EmptyElements[0].ID)
	})

	t.Run("Should fail on a label shared by two data elements", func(t *testing.T) {
		schema := &DatasetSchema{
			ID: "D1",
			Elements: []DataElementDefinition{
				element("E1", "Cases", combo("C1", "5-9")),
				element("E2", "Deaths", combo("C7", "5-9")),
			},
		}

		_, _, err := Flatten(schema, Options{})
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.AmbiguousLabel))
		assert.Contains(t, err.Error(), "5-9")
	})

	t.Run("Should qualify shared labels when asked to", func(t *testing.T) {
		schema := &DatasetSchema{
			ID: "D1",
			Elements: []DataElementDefinition{
				element("E1", "Cases", combo("C1", "5-9"), combo("C2", "10-14")),
				element("E2", "Deaths", combo("C7", "5-9")),
			},
		}

		table, report, err := Flatten(schema, Options{QualifyAmbiguous: true})
		require.NoError(t, err)
		assert.Equal(t, 3, table.Len())
		assert.Equal(t, []string{"5-9"}, report.Qualified)

		target, ok := table.Lookup("Deaths|5-9")
		require.True(t, ok)
		assert.Equal(t, "C7", target.CategoryOptionComboID)

		_, ok = table.Lookup("10-14")
		assert.True(t, ok, "Unambiguous labels stay unqualified")
	})

	t.Run("Should collapse identical targets listed twice", func(t *testing.T) {
		schema := &DatasetSchema{
			ID: "D1",
			Elements: []DataElementDefinition{
				element("E1", "Cases", combo("C1", "5-9"), combo("C1", "5-9")),
			},
		}

		table, _, err := Flatten(schema, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, table.Len())
	})

	t.Run("Should fail when nothing is addressable", func(t *testing.T) {
		schema := &DatasetSchema{
			ID:       "D1",
			Elements: []DataElementDefinition{element("E1", "Cases", combo("C1", "A", "B"))},
		}

		_, _, err := Flatten(schema, Options{})
		assert.True(t, failure.Is(err, failure.NoDataElements))
	})
}

const datasetJSON = `{
  "id": "D1",
  "name": "Malaria monthly",
  "dataSetElements": [
    {"dataElement": {"id": "E1", "name": "Cases", "categoryCombo": {"categoryOptionCombos": [
      {"id": "C1", "name": "5-9", "categoryOptions": [{"id": "O1", "name": "5-9"}]},
      {"id": "C2", "name": "5-9, Female", "categoryOptions": [{"id": "O1", "name": "5-9"}, {"id": "O2", "name": "Female"}]}
    ]}}}
  ]
}`

func newServer(t *testing.T, handler http.HandlerFunc) *api.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := api.NewClient(api.Config{BaseURL: srv.URL + "/api", Timeout: 200 * time.Millisecond})
	t.Cleanup(client.Close)
	return client
}

func TestResolve(t *testing.T) {
	t.Run("Should request the nested fields and resolve the mapping", func(t *testing.T) {
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/dataSets/D1", r.URL.Path)
			assert.Equal(t, datasetFields, r.URL.Query().Get("fields"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(datasetJSON))
		})

		table, report, err := NewService(client, Options{}, nil).Resolve(context.Background(), "D1")
		require.NoError(t, err)
		assert.Equal(t, "Malaria monthly", report.DatasetName)
		assert.Equal(t, []string{"5-9"}, table.Labels())
	})

	t.Run("Should map 404 to UnknownDataset", func(t *testing.T) {
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		_, _, err := NewService(client, Options{}, nil).Resolve(context.Background(), "NOPE")
		assert.True(t, failure.Is(err, failure.UnknownDataset))
	})

	t.Run("Should map auth and server failures to SchemaUnavailable", func(t *testing.T) {
		for _, code := range []int{http.StatusUnauthorized, http.StatusInternalServerError} {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			})

			_, _, err := NewService(client, Options{}, nil).Resolve(context.Background(), "D1")
			assert.True(t, failure.Is(err, failure.SchemaUnavailable), "status %d", code)
		}
	})

	t.Run("Should map a timeout to SchemaUnavailable", func(t *testing.T) {
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		})

		_, _, err := NewService(client, Options{}, nil).Resolve(context.Background(), "D1")
		assert.True(t, failure.Is(err, failure.SchemaUnavailable))
	})

	t.Run("Should fail on a dataset without elements", func(t *testing.T) {
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"D1","name":"Empty","dataSetElements":[]}`))
		})

		_, _, err := NewService(client, Options{}, nil).Resolve(context.Background(), "D1")
		assert.True(t, failure.Is(err, failure.NoDataElements))
	})

	t.Run("Should reject an empty dataset id without a request", func(t *testing.T) {
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("unexpected request")
		})

		_, _, err := NewService(client, Options{}, nil).Resolve(context.Background(), "")
		assert.True(t, failure.Is(err, failure.UnknownDataset))
	})
}
