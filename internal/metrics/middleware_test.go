package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/sources/{name}/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))
	for _, name := range []string{"afisha-minsk", "kvitki-music"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sources/"+name+"/runs", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	require.Equal(t, before+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202")))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var routes []string
	for _, mf := range families {
		if mf.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "route" {
					routes = append(routes, lp.GetValue())
				}
			}
		}
	}
	require.Contains(t, routes, "/v1/sources/{name}/runs")
}

func TestMiddlewareUnknownRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")))
}
