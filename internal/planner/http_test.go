package planner_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galaxy-org/galaxy/internal/config"
	"github.com/galaxy-org/galaxy/internal/planner"
)

func plannerConfig(endpoint string) *config.Config {
	return &config.Config{
		Planner: config.PlannerSpec{
			Endpoint:  endpoint,
			APIKey:    "test-key",
			TimeoutMS: 2000,
		},
	}
}

func TestCreateReturnsPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/create", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req planner.CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "open the garage", req.UserRequest)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"nodes": [
				{"id": "n1", "intent": "unlock", "device_binding": {"device_id": "hub"}},
				{"id": "n2", "intent": "lift door", "device_binding": {"capabilities": ["actuator"]}}
			],
			"edges": [{"from_id": "n1", "to_id": "n2", "condition": "on_success"}]
		}`))
	}))
	t.Cleanup(srv.Close)

	p := planner.NewHTTPPlanner(plannerConfig(srv.URL))
	spec, err := p.Create(context.Background(), planner.CreateRequest{
		ConstellationID: "c1",
		UserRequest:     "open the garage",
	})
	require.NoError(t, err)
	require.Len(t, spec.Nodes, 2)
	require.Len(t, spec.Edges, 1)
	require.Equal(t, "unlock", spec.Nodes[0].Intent)
}

func TestEditHitsEditPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/edit", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"nodes": [{"id": "n1", "intent": "retry differently", "device_binding": {"device_id": "hub"}}]}`))
	}))
	t.Cleanup(srv.Close)

	p := planner.NewHTTPPlanner(plannerConfig(srv.URL))
	spec, err := p.Edit(context.Background(), planner.EditRequest{
		ConstellationID: "c1",
		Reason:          "task n2 failed beyond retry budget",
	})
	require.NoError(t, err)
	require.Len(t, spec.Nodes, 1)
}

func TestPlannerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			"client error is invalid plan",
			func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "bad request", http.StatusBadRequest)
			},
			planner.ErrInvalidPlan,
		},
		{
			"server error is unavailable",
			func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			planner.ErrUnavailable,
		},
		{
			"empty plan is invalid",
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"nodes": []}`))
			},
			planner.ErrInvalidPlan,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			t.Cleanup(srv.Close)

			p := planner.NewHTTPPlanner(plannerConfig(srv.URL))
			_, err := p.Create(context.Background(), planner.CreateRequest{UserRequest: "x"})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPlannerUnreachable(t *testing.T) {
	p := planner.NewHTTPPlanner(plannerConfig("http://127.0.0.1:1"))
	_, err := p.Create(context.Background(), planner.CreateRequest{UserRequest: "x"})
	require.ErrorIs(t, err, planner.ErrUnavailable)
}
