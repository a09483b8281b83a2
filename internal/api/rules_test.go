package api

import (
	"net/http"
	"strconv"
	"testing"

	"notifier/internal/plugins"
	"notifier/internal/types"
)

func seedMatcher(t *testing.T, env *testEnv, tenant, id string) {
	t.Helper()
	rec := env.do(t, http.MethodPut, "/v1/tenants/"+tenant+"/plugins/"+id,
		map[string]any{"plugin_id": plugins.MatchAllPluginID, "kind": "matcher"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seeding matcher: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRules_CRUD(t *testing.T) {
	env := newTestEnv(t, "")
	seedMatcher(t, env, "acme", "everything")

	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/rules", map[string]any{
		"name":              "all invoices",
		"matcher_plugin_id": "everything",
		"recipients":        []string{"ops-mail"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeData[types.Rule](t, rec)
	if created.ID == 0 || created.Tenant != "acme" || !created.Active {
		t.Fatalf("unexpected created rule: %+v", created)
	}
	path := "/v1/tenants/acme/rules/" + strconv.FormatInt(created.ID, 10)

	rec = env.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	if got := decodeData[types.Rule](t, rec); got.Name != "all invoices" {
		t.Errorf("get: expected name 'all invoices', got %q", got.Name)
	}

	rec = env.do(t, http.MethodPut, path, map[string]any{
		"name":              "all invoices",
		"matcher_plugin_id": "everything",
		"recipients":        []string{"ops-mail", "audit"},
		"active":            false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeData[types.Rule](t, rec)
	if updated.Active || len(updated.Recipients) != 2 || updated.ID != created.ID {
		t.Errorf("update: unexpected rule %+v", updated)
	}

	rec = env.do(t, http.MethodGet, "/v1/tenants/acme/rules", nil)
	if got := decodeData[[]types.Rule](t, rec); len(got) != 1 {
		t.Errorf("list: expected 1 rule, got %d", len(got))
	}

	rec = env.do(t, http.MethodDelete, path, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, path, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}

	// seed, create, update, delete
	if got := len(env.inv.calls()); got != 4 {
		t.Errorf("expected 4 invalidations, got %d", got)
	}
}

func TestRules_ListEmptyIsArray(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/v1/tenants/acme/rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"data":[]}` {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestRules_Validation(t *testing.T) {
	env := newTestEnv(t, "")
	seedMatcher(t, env, "acme", "everything")
	rec := env.do(t, http.MethodPut, "/v1/tenants/acme/plugins/ops-log",
		map[string]any{"plugin_id": plugins.LogRecipientPluginID, "kind": "recipient"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seeding recipient: got %d", rec.Code)
	}

	tests := []struct {
		name string
		body any
		code types.ErrorCode
	}{
		{
			name: "missing name",
			body: map[string]any{"matcher_plugin_id": "everything"},
			code: types.ErrCodeValidationMissingField,
		},
		{
			name: "unknown matcher",
			body: map[string]any{"name": "r", "matcher_plugin_id": "nope"},
			code: types.ErrCodeValidationInvalidRule,
		},
		{
			name: "matcher is a recipient",
			body: map[string]any{"name": "r", "matcher_plugin_id": "ops-log"},
			code: types.ErrCodeValidationInvalidRule,
		},
		{
			name: "empty recipient",
			body: map[string]any{"name": "r", "matcher_plugin_id": "everything", "recipients": []string{""}},
			code: types.ErrCodeValidationMissingField,
		},
		{
			name: "unknown field",
			body: `{"name":"r","matcher_plugin_id":"everything","colour":"red"}`,
			code: types.ErrCodeValidationInvalidJSON,
		},
		{
			name: "malformed JSON",
			body: `{"name":`,
			code: types.ErrCodeValidationInvalidJSON,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/tenants/acme/rules", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Code; got != string(tt.code) {
				t.Errorf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestRules_TenantIsolation(t *testing.T) {
	env := newTestEnv(t, "")
	seedMatcher(t, env, "acme", "everything")

	rec := env.do(t, http.MethodPost, "/v1/tenants/acme/rules",
		map[string]any{"name": "r", "matcher_plugin_id": "everything"})
	created := decodeData[types.Rule](t, rec)

	rec = env.do(t, http.MethodGet, "/v1/tenants/globex/rules/"+strconv.FormatInt(created.ID, 10), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 across tenants, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/v1/tenants/globex/rules/"+strconv.FormatInt(created.ID, 10),
		map[string]any{"name": "r", "matcher_plugin_id": "everything"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 updating another tenant's rule, got %d", rec.Code)
	}
}

func TestRules_BadID(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/v1/tenants/acme/rules/abc", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
