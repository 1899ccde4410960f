package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(c echo.Context, roles ...string) {
	ctx := context.WithValue(c.Request().Context(), UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	contextWithRoles(c, "reader")

	if err := RequireRole("writer", "reader")(okHandler)(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequireRole_AdminPasses(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	contextWithRoles(c, RoleAdmin)

	if err := RequireRole("writer")(okHandler)(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	contextWithRoles(c, "reader")

	err := RequireRole("writer")(okHandler)(c)
	expectHTTPError(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := RequireRole("reader")(okHandler)(c)
	expectHTTPError(t, err, http.StatusForbidden)
}

func tenantContext(tenantParam, tokenTenant string, roles ...string) echo.Context {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("tenant")
	c.SetParamValues(tenantParam)
	c.Set(tokenTenantKey, tokenTenant)
	contextWithRoles(c, roles...)
	return c
}

func TestRequireTenant_MatchingToken(t *testing.T) {
	c := tenantContext("acme", "acme", "writer")
	handler := func(c echo.Context) error {
		if got := TenantFromContext(c.Request().Context()); got != "acme" {
			t.Errorf("expected tenant acme on context, got %q", got)
		}
		return nil
	}
	if err := RequireTenant("tenant")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireTenant_OtherTenantDenied(t *testing.T) {
	c := tenantContext("acme", "globex", "writer")
	err := RequireTenant("tenant")(okHandler)(c)
	expectHTTPError(t, err, http.StatusForbidden)
}

func TestRequireTenant_AdminMayActOnAnyTenant(t *testing.T) {
	c := tenantContext("acme", "", RoleAdmin)
	if err := RequireTenant("tenant")(okHandler)(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequireTenant_InvalidIdentifier(t *testing.T) {
	for _, id := range []string{"", "acme-1", "a b", "acme;drop"} {
		c := tenantContext(id, id, RoleAdmin)
		err := RequireTenant("tenant")(okHandler)(c)
		expectHTTPError(t, err, http.StatusBadRequest)
	}
}

func TestValidTenantID(t *testing.T) {
	if !ValidTenantID("tenant_01") {
		t.Error("expected tenant_01 to be valid")
	}
	if ValidTenantID("tenant-01") {
		t.Error("expected '-' to be rejected since it separates tenant and id")
	}
}
