package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zenthea/rcm/internal/domain/access"
	"github.com/zenthea/rcm/internal/platform/apperr"
	"github.com/zenthea/rcm/pkg/money"
	"github.com/zenthea/rcm/pkg/pagination"
)

const (
	SortByDate   = "date"
	SortByAmount = "amount"
	SortByStatus = "status"

	SortAsc  = "asc"
	SortDesc = "desc"
)

const (
	upcomingWindow = 30 * 24 * time.Hour
	paidLookback   = 90 * 24 * time.Hour
)

// ClaimListQuery holds the optional claim list filters. The date range
// applies to creation time.
type ClaimListQuery struct {
	TenantID   string
	Status     *ClaimStatus
	PayerID    *uuid.UUID
	ProviderID *uuid.UUID
	StartDate  *time.Time
	EndDate    *time.Time
	SortBy     string
	SortOrder  string
	Page       int
	PageSize   int
}

func (q ClaimListQuery) validate() error {
	switch q.SortBy {
	case "", SortByDate, SortByAmount, SortByStatus:
	default:
		return apperr.Validation("invalid sortBy %q", q.SortBy)
	}
	switch q.SortOrder {
	case "", SortAsc, SortDesc:
	default:
		return apperr.Validation("invalid sortOrder %q", q.SortOrder)
	}
	if q.Status != nil && !q.Status.Valid() {
		return apperr.Validation("invalid claim status %q", *q.Status)
	}
	if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
		return apperr.Validation("endDate must not be before startDate")
	}
	return nil
}

// sortClaims orders claims by the requested key, newest first by default.
// Ties fall back to creation time and then id so pages are stable.
func sortClaims(claims []*Claim, by, order string) {
	desc := order != SortAsc
	sort.SliceStable(claims, func(i, j int) bool {
		a, b := claims[i], claims[j]
		var cmp int
		switch by {
		case SortByAmount:
			cmp = compareInt64(a.TotalCharges, b.TotalCharges)
		case SortByStatus:
			cmp = compareString(string(a.Status), string(b.Status))
		}
		if cmp == 0 {
			cmp = compareInt64(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
		}
		if cmp == 0 {
			return a.ID.String() < b.ID.String()
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// GetClinicClaimsList lists the tenant's claims for clinic staff.
func (s *Service) GetClinicClaimsList(ctx context.Context, email string, q ClaimListQuery) (*pagination.Response[*Claim], error) {
	caller, err := s.guard.VerifyClinicBillingAccess(ctx, email, q.TenantID)
	if err != nil {
		return nil, err
	}
	return s.listClaims(ctx, caller.TenantID(), q)
}

// GetProviderClaimsList lists the caller's own claims. Asking for another
// provider's claims is refused rather than silently narrowed.
func (s *Service) GetProviderClaimsList(ctx context.Context, email string, q ClaimListQuery) (*pagination.Response[*Claim], error) {
	caller, err := s.guard.VerifyProviderBillingAccess(ctx, email, q.TenantID)
	if err != nil {
		return nil, err
	}
	if q.ProviderID != nil && *q.ProviderID != caller.ProviderID {
		return nil, apperr.PermissionDenied("view claims of other providers")
	}
	providerID := caller.ProviderID
	q.ProviderID = &providerID
	return s.listClaims(ctx, caller.TenantID(), q)
}

func (s *Service) listClaims(ctx context.Context, tenantID string, q ClaimListQuery) (res *pagination.Response[*Claim], err error) {
	ctx, span := startSpan(ctx, "list_claims", tenantID)
	defer func() { endSpan(span, err) }()

	if err := q.validate(); err != nil {
		return nil, err
	}
	claims, err := s.claims.List(ctx, ClaimFilter{
		TenantID:    tenantID,
		Status:      q.Status,
		PayerID:     q.PayerID,
		ProviderID:  q.ProviderID,
		CreatedFrom: q.StartDate,
		CreatedTo:   q.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	sortClaims(claims, q.SortBy, q.SortOrder)
	page, info := pagination.Slice(claims, pagination.New(q.Page, q.PageSize))
	return &pagination.Response[*Claim]{Data: page, Pagination: info}, nil
}

// PatientInvoiceQuery filters one patient's invoices by status and creation
// time.
type PatientInvoiceQuery struct {
	PatientID uuid.UUID
	Status    *InvoiceStatus
	StartDate *time.Time
	EndDate   *time.Time
}

// GetPatientInvoices returns the patient's invoices, newest first.
func (s *Service) GetPatientInvoices(ctx context.Context, email string, q PatientInvoiceQuery) ([]*Invoice, error) {
	caller, err := s.guard.VerifyPatientBillingAccess(ctx, email, q.PatientID)
	if err != nil {
		return nil, err
	}
	if q.Status != nil && !q.Status.Valid() {
		return nil, apperr.Validation("invalid invoice status %q", *q.Status)
	}
	patientID := q.PatientID
	invoices, err := s.invoices.List(ctx, InvoiceFilter{
		TenantID:    caller.TenantID(),
		Status:      q.Status,
		PatientID:   &patientID,
		CreatedFrom: q.StartDate,
		CreatedTo:   q.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	sort.SliceStable(invoices, func(i, j int) bool {
		return invoices[i].CreatedAt.After(invoices[j].CreatedAt)
	})
	return nonNil(invoices), nil
}

type PatientBillingSummary struct {
	OutstandingBalance float64 `json:"outstandingBalance"`
	UpcomingCharges    float64 `json:"upcomingCharges"`
	TotalPaid          float64 `json:"totalPaid"`
	PendingCount       int     `json:"pendingCount"`
}

// SummarizeInvoices folds a patient's invoices into the billing summary.
// Upcoming charges are unpaid, not overdue, and due within 30 days of now;
// total paid covers invoices paid in the last 90 days.
func SummarizeInvoices(invoices []*Invoice, now time.Time) PatientBillingSummary {
	upcomingEnd := now.Add(upcomingWindow)
	paidStart := now.Add(-paidLookback)
	outstanding, upcoming, paid := decimal.Zero, decimal.Zero, decimal.Zero
	var pending int
	for _, inv := range invoices {
		amount := money.ToCurrency(inv.Amount)
		if inv.Status == InvoicePaid {
			if inv.PaidDate != nil && money.WithinWindow(*inv.PaidDate, &paidStart, &now) {
				paid = paid.Add(amount)
			}
			continue
		}
		outstanding = outstanding.Add(amount)
		pending++
		if inv.Status != InvoiceOverdue && money.WithinWindow(inv.DueDate, &now, &upcomingEnd) {
			upcoming = upcoming.Add(amount)
		}
	}
	return PatientBillingSummary{
		OutstandingBalance: money.Float(outstanding),
		UpcomingCharges:    money.Float(upcoming),
		TotalPaid:          money.Float(paid),
		PendingCount:       pending,
	}
}

// GetPatientBillingSummary summarizes the patient's invoices as of the
// service clock.
func (s *Service) GetPatientBillingSummary(ctx context.Context, email, tenantID string, patientID uuid.UUID) (*PatientBillingSummary, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient id is required")
	}
	caller, err := s.guard.Authorize(ctx, email, access.Requirement{TenantID: tenantID, PatientID: patientID})
	if err != nil {
		return nil, err
	}
	invoices, err := s.invoices.List(ctx, InvoiceFilter{TenantID: caller.TenantID(), PatientID: &patientID})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	summary := SummarizeInvoices(invoices, s.now())
	return &summary, nil
}
