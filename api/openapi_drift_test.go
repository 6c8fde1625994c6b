package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths map[string]map[string]any `yaml:"paths"`
}

// TestOpenAPIDrift walks the full handler and compares the registered routes
// with api/openapi.yaml in both directions.
func TestOpenAPIDrift(t *testing.T) {
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	documented := make(map[string]bool)
	for path, methods := range doc.Paths {
		for method := range methods {
			if method == "parameters" || strings.HasPrefix(method, "x-") {
				continue
			}
			documented[strings.ToUpper(method)+" "+path] = true
		}
	}

	// Walk never invokes handlers, so a zero API is enough.
	a := &API{}
	router, ok := a.Handler().(chi.Routes)
	require.True(t, ok)

	registered := make(map[string]bool)
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/api/v1/openapi.yaml" ||
			strings.HasPrefix(route, "/api/v1/docs") ||
			strings.HasPrefix(route, "/api/v1/redoc") {
			return nil
		}
		registered[method+" "+route] = true
		return nil
	})
	require.NoError(t, err)

	var undocumented, stale []string
	for route := range registered {
		if !documented[route] {
			undocumented = append(undocumented, route)
		}
	}
	for route := range documented {
		if !registered[route] {
			stale = append(stale, route)
		}
	}
	slices.Sort(undocumented)
	slices.Sort(stale)

	assert.Empty(t, undocumented, "routes missing from openapi.yaml")
	assert.Empty(t, stale, "openapi.yaml paths with no route")
	assert.Len(t, registered, 19)
}
