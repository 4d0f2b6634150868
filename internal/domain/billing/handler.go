package billing

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/zenthea/rcm/internal/platform/apperr"
	"github.com/zenthea/rcm/internal/platform/auth"
	"github.com/zenthea/rcm/internal/platform/db"
	"github.com/zenthea/rcm/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the billing API under api. Authorization is decided
// per operation by the service against the user directory.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing")

	g.POST("/claims", h.CreateClaim)
	g.GET("/claims", h.ListClinicClaims)
	g.GET("/claims/:id", h.GetClaim)
	g.POST("/claims/:id/status", h.TransitionClaim)
	g.POST("/claims/:id/payments", h.RecordInsurancePayment)
	g.POST("/invoices/:id/payments", h.RecordPatientPayment)

	g.GET("/provider/claims", h.ListProviderClaims)

	g.GET("/rcm/clinic", h.GetClinicRCM)
	g.GET("/rcm/provider", h.GetProviderRCM)

	g.GET("/patients/:id/invoices", h.ListPatientInvoices)
	g.GET("/patients/:id/summary", h.GetPatientSummary)
}

// httpError maps a service error onto its HTTP status. Unclassified errors
// keep the cause as the internal error for the request logger.
func httpError(err error) error {
	kind := apperr.KindOf(err)
	he := echo.NewHTTPError(kind.HTTPStatus(), apperr.PublicMessage(err))
	if kind == apperr.KindInternal {
		return he.SetInternal(err)
	}
	return he
}

func callerEmail(c echo.Context) string {
	return auth.EmailFromContext(c.Request().Context())
}

// requestTenant prefers an explicit tenant_id query parameter over the tenant
// resolved by the tenant middleware.
func requestTenant(c echo.Context) string {
	if t := c.QueryParam("tenant_id"); t != "" {
		return t
	}
	return db.TenantFromContext(c.Request().Context())
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// parseTime accepts RFC 3339 timestamps, plain dates, and Unix epoch
// milliseconds.
func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func queryTime(c echo.Context, name string) (*time.Time, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return nil, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &t, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func queryWindow(c echo.Context) (start, end *time.Time, err error) {
	if start, err = queryTime(c, "startDate"); err != nil {
		return nil, nil, err
	}
	if end, err = queryTime(c, "endDate"); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// -- Claims --

func (h *Handler) CreateClaim(c echo.Context) error {
	var req CreateClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TenantID = requestTenant(c)
	res, err := h.svc.CreateClaimForAppointment(c.Request().Context(), callerEmail(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	detail, err := h.svc.GetClaimDetail(c.Request().Context(), callerEmail(c), requestTenant(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) TransitionClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TenantID = requestTenant(c)
	req.ClaimID = id
	claim, err := h.svc.TransitionClaimStatus(c.Request().Context(), callerEmail(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, claim)
}

func (h *Handler) RecordInsurancePayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req InsurancePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TenantID = requestTenant(c)
	req.ClaimID = id
	res, err := h.svc.RecordInsurancePayment(c.Request().Context(), callerEmail(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) RecordPatientPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req PatientPaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.TenantID = requestTenant(c)
	req.InvoiceID = id
	res, err := h.svc.RecordPatientPayment(c.Request().Context(), callerEmail(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func claimListQuery(c echo.Context) (ClaimListQuery, error) {
	q := ClaimListQuery{
		TenantID:  requestTenant(c),
		SortBy:    c.QueryParam("sortBy"),
		SortOrder: strings.ToLower(c.QueryParam("sortOrder")),
	}
	if s := c.QueryParam("status"); s != "" {
		status := ClaimStatus(s)
		q.Status = &status
	}
	var err error
	if q.PayerID, err = queryUUID(c, "payerId"); err != nil {
		return q, err
	}
	if q.ProviderID, err = queryUUID(c, "providerId"); err != nil {
		return q, err
	}
	if q.StartDate, q.EndDate, err = queryWindow(c); err != nil {
		return q, err
	}
	p := pagination.FromContext(c)
	q.Page, q.PageSize = p.Page, p.PageSize
	return q, nil
}

func (h *Handler) ListClinicClaims(c echo.Context) error {
	q, err := claimListQuery(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetClinicClaimsList(c.Request().Context(), callerEmail(c), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListProviderClaims(c echo.Context) error {
	q, err := claimListQuery(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetProviderClaimsList(c.Request().Context(), callerEmail(c), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- RCM --

func rcmQuery(c echo.Context) (RCMQuery, error) {
	start, end, err := queryWindow(c)
	if err != nil {
		return RCMQuery{}, err
	}
	return RCMQuery{TenantID: requestTenant(c), StartDate: start, EndDate: end}, nil
}

func (h *Handler) GetClinicRCM(c echo.Context) error {
	q, err := rcmQuery(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetClinicRCM(c.Request().Context(), callerEmail(c), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) GetProviderRCM(c echo.Context) error {
	q, err := rcmQuery(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetProviderRCM(c.Request().Context(), callerEmail(c), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Patients --

func (h *Handler) ListPatientInvoices(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	q := PatientInvoiceQuery{PatientID: id}
	if s := c.QueryParam("status"); s != "" {
		status := InvoiceStatus(s)
		q.Status = &status
	}
	if q.StartDate, q.EndDate, err = queryWindow(c); err != nil {
		return err
	}
	invoices, err := h.svc.GetPatientInvoices(c.Request().Context(), callerEmail(c), q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, invoices)
}

func (h *Handler) GetPatientSummary(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	summary, err := h.svc.GetPatientBillingSummary(c.Request().Context(), callerEmail(c), requestTenant(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}
