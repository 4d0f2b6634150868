package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zenthea/rcm/internal/platform/apperr"
	"github.com/zenthea/rcm/pkg/money"
)

// RCMQuery scopes a KPI computation. Bounds apply to claim and invoice
// creation time and are inclusive. An empty TenantID means the caller's own
// tenant.
type RCMQuery struct {
	TenantID  string
	StartDate *time.Time
	EndDate   *time.Time
}

func (q RCMQuery) validate() error {
	if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
		return apperr.Validation("endDate must not be before startDate")
	}
	return nil
}

// RCMMetrics are the revenue cycle KPIs. Rates are percentages on a 0-100
// scale rounded to two decimals; TotalAR is in currency units.
type RCMMetrics struct {
	TotalAR           float64 `json:"totalAR"`
	DaysInAR          int     `json:"daysInAR"`
	CleanClaimRate    float64 `json:"cleanClaimRate"`
	DenialRate        float64 `json:"denialRate"`
	NetCollectionRate float64 `json:"netCollectionRate"`
}

// ComputeRCM derives the KPIs from one scope's records. asOf is the end of
// the aging period. A scope without claims reports zero for every rate.
// Payments for claims outside the slice are ignored.
func ComputeRCM(claims []*Claim, invoices []*Invoice, payments []*InsurancePayment, asOf time.Time) RCMMetrics {
	var m RCMMetrics

	ar := decimal.Zero
	inScope := make(map[uuid.UUID]bool, len(claims))
	var outstanding, agingDays, accepted, denied, billed int64
	for _, c := range claims {
		inScope[c.ID] = true
		if c.Status.Outstanding() {
			ar = ar.Add(money.ToCurrency(c.TotalCharges))
			days := money.DaysBetween(c.EarliestServiceDate(), asOf)
			if days < 0 {
				days = 0
			}
			agingDays += int64(days)
			outstanding++
		}
		switch c.Status {
		case ClaimAccepted:
			accepted++
		case ClaimDenied:
			denied++
		}
		if c.Status != ClaimDraft {
			billed += c.TotalCharges
		}
	}
	for _, inv := range invoices {
		if inv.Status != InvoicePaid {
			ar = ar.Add(money.ToCurrency(inv.PatientResponsibility))
		}
	}
	var collected int64
	for _, p := range payments {
		if inScope[p.ClaimID] {
			collected += p.Amount
		}
	}

	m.TotalAR = money.Float(ar)
	if outstanding > 0 {
		m.DaysInAR = meanDays(agingDays, outstanding)
	}
	if len(claims) == 0 {
		return m
	}
	adjudicated := accepted + denied
	m.CleanClaimRate = money.Float(money.Percentage(accepted, adjudicated, decimal.NewFromInt(100)))
	m.DenialRate = money.Float(money.Percentage(denied, adjudicated, decimal.Zero))
	m.NetCollectionRate = money.Float(money.Percentage(collected, billed, decimal.Zero))
	return m
}

// meanDays is total/n rounded half up, computed on integers so only one
// rounding step applies.
func meanDays(total, n int64) int {
	return int((2*total + n) / (2 * n))
}

// GetClinicRCM computes the KPIs over every claim and invoice of the tenant.
func (s *Service) GetClinicRCM(ctx context.Context, email string, q RCMQuery) (*RCMMetrics, error) {
	caller, err := s.guard.VerifyClinicBillingAccess(ctx, email, q.TenantID)
	if err != nil {
		return nil, err
	}
	return s.computeRCM(ctx, "clinic", caller.TenantID(), nil, q)
}

// GetProviderRCM computes the KPIs over the caller's own claims and the
// invoices linked to them.
func (s *Service) GetProviderRCM(ctx context.Context, email string, q RCMQuery) (*RCMMetrics, error) {
	caller, err := s.guard.VerifyProviderBillingAccess(ctx, email, q.TenantID)
	if err != nil {
		return nil, err
	}
	providerID := caller.ProviderID
	return s.computeRCM(ctx, "provider", caller.TenantID(), &providerID, q)
}

func rcmCacheKey(scope string, providerID *uuid.UUID, q RCMQuery) string {
	provider := "all"
	if providerID != nil {
		provider = providerID.String()
	}
	var start int64
	if q.StartDate != nil {
		start = q.StartDate.UnixMilli()
	}
	return fmt.Sprintf("rcm:%s:%s:%d:%d", scope, provider, start, q.EndDate.UnixMilli())
}

func (s *Service) computeRCM(ctx context.Context, scope, tenantID string, providerID *uuid.UUID, q RCMQuery) (m *RCMMetrics, err error) {
	ctx, span := startSpan(ctx, "rcm_"+scope, tenantID)
	defer func() { endSpan(span, err) }()

	if err := q.validate(); err != nil {
		return nil, err
	}
	began := time.Now()

	// Open-ended windows age against the clock and are never cached. The
	// generation is pinned before the reads so a mutation committed while
	// they run orphans the write below instead of poisoning the next read.
	var (
		key string
		gen int64
	)
	if q.EndDate != nil && s.cache != nil {
		if gen, err = s.cache.Generation(ctx, tenantID); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("rcm cache generation read failed")
		} else {
			key = rcmCacheKey(scope, providerID, q)
			var cached RCMMetrics
			hit, err := s.cache.GetJSON(ctx, tenantID, gen, key, &cached)
			if err != nil {
				s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("rcm cache read failed")
			} else if hit {
				if s.metrics != nil {
					s.metrics.ObserveRCM(scope, true, time.Since(began))
				}
				return &cached, nil
			}
		}
	}

	var (
		claims   []*Claim
		invoices []*Invoice
		payments []*InsurancePayment
	)
	err = s.tx.InReadTx(ctx, func(ctx context.Context) error {
		var err error
		claims, err = s.claims.List(ctx, ClaimFilter{
			TenantID:    tenantID,
			ProviderID:  providerID,
			CreatedFrom: q.StartDate,
			CreatedTo:   q.EndDate,
		})
		if err != nil {
			return fmt.Errorf("list claims: %w", err)
		}
		invoices, err = s.invoices.List(ctx, InvoiceFilter{
			TenantID:    tenantID,
			ProviderID:  providerID,
			CreatedFrom: q.StartDate,
			CreatedTo:   q.EndDate,
		})
		if err != nil {
			return fmt.Errorf("list invoices: %w", err)
		}
		ids := make([]uuid.UUID, 0, len(claims))
		for _, c := range claims {
			ids = append(ids, c.ID)
		}
		payments, err = s.payments.ListInsurance(ctx, tenantID, ids)
		if err != nil {
			return fmt.Errorf("list insurance payments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	asOf := s.now()
	if q.EndDate != nil {
		asOf = *q.EndDate
	}
	result := ComputeRCM(claims, invoices, payments, asOf)

	if key != "" {
		if err := s.cache.SetJSON(ctx, tenantID, gen, key, result); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("rcm cache write failed")
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveRCM(scope, false, time.Since(began))
	}
	return &result, nil
}
