package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/authority/internal/platform/auth"
	"github.com/ehr/authority/internal/platform/docstore"
	"github.com/ehr/authority/internal/platform/fhir"
)

// maxBatchBody caps the size of a batch request body.
const maxBatchBody = 32 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	tenant := api.Group("/tenants/:tenant", auth.RequireTenant("tenant"))

	readGroup := tenant.Group("", auth.RequireRole("admin", "writer", "reader"))
	readGroup.GET("/resources/:type/:id", h.GetResource)
	readGroup.GET("/resources/:type", h.SearchResources)

	writeGroup := tenant.Group("", auth.RequireRole("admin", "writer"))
	writeGroup.POST("/resources", h.AddResources)
	writeGroup.DELETE("/resources/:type/:id", h.DeleteResource)
}

// AddResources accepts a JSON array of resources or a Bundle. The response is
// 200 with the per-resource result, or 400 with every resource failed when
// the batch does not belong to the tenant.
func (h *Handler) AddResources(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBatchBody+1))
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxBatchBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	resources, err := fhir.ParseResources(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.svc.ProcessBatch(c.Request().Context(), c.Param("tenant"), resources)
	if errors.Is(err, ErrTenantMismatch) {
		return c.JSON(http.StatusBadRequest, res)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetResource(c echo.Context) error {
	r, err := h.svc.GetResource(c.Request().Context(), c.Param("tenant"), c.Param("type"), c.Param("id"))
	if err != nil {
		return resourceError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

// SearchResources answers ?identifier=system|value with a searchset Bundle.
func (h *Handler) SearchResources(c echo.Context) error {
	token := c.QueryParam("identifier")
	if token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identifier query parameter is required")
	}
	found, err := h.svc.SearchByIdentifier(c.Request().Context(), c.Param("tenant"), c.Param("type"), fhir.ParseIdentifierToken(token))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	entries := make([]map[string]any, 0, len(found))
	for _, r := range found {
		entries = append(entries, map[string]any{"resource": r})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(found),
		"entry":        entries,
	})
}

func (h *Handler) DeleteResource(c echo.Context) error {
	res, err := h.svc.DeleteResource(c.Request().Context(), c.Param("tenant"), c.Param("type"), c.Param("id"))
	if err != nil {
		return resourceError(c, err)
	}
	if !res.Found() {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "resource not found"))
	}
	return c.NoContent(http.StatusNoContent)
}

// resourceError hides resources of other tenants behind a 404.
func resourceError(c echo.Context, err error) error {
	if errors.Is(err, ErrTenantMismatch) || errors.Is(err, docstore.ErrNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "resource not found"))
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}
