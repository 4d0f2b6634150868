package billing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zenthea/rcm/internal/platform/apperr"
	"github.com/zenthea/rcm/internal/platform/cache"
)

func rcmClaim(status ClaimStatus, total int64, serviced time.Time) *Claim {
	return &Claim{
		ID:           uuid.New(),
		TenantID:     tenantA,
		Status:       status,
		TotalCharges: total,
		ServiceDates: []time.Time{serviced},
		CreatedAt:    serviced,
	}
}

func TestComputeRCM_TotalAR(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	claims := []*Claim{
		rcmClaim(ClaimSubmitted, 50000, asOf),
		rcmClaim(ClaimDenied, 20000, asOf),
		rcmClaim(ClaimPaid, 90000, asOf),
		rcmClaim(ClaimDraft, 70000, asOf),
	}
	invoices := []*Invoice{
		{Status: InvoicePending, PatientResponsibility: 10000},
		{Status: InvoicePaid, PatientResponsibility: 99900},
	}
	m := ComputeRCM(claims, invoices, nil, asOf)
	if m.TotalAR != 800.0 {
		t.Errorf("expected totalAR 800.0, got %v", m.TotalAR)
	}
}

func TestComputeRCM_AdjudicationRates(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var claims []*Claim
	for i := 0; i < 7; i++ {
		claims = append(claims, rcmClaim(ClaimAccepted, 1000, asOf))
	}
	claims = append(claims,
		rcmClaim(ClaimDenied, 1000, asOf),
		rcmClaim(ClaimDenied, 1000, asOf),
		rcmClaim(ClaimSubmitted, 1000, asOf),
	)
	m := ComputeRCM(claims, nil, nil, asOf)
	if m.CleanClaimRate != 77.78 {
		t.Errorf("expected cleanClaimRate 77.78, got %v", m.CleanClaimRate)
	}
	// 2 of the 9 adjudicated claims
	if m.DenialRate != 22.22 {
		t.Errorf("expected denialRate 22.22, got %v", m.DenialRate)
	}
}

func TestComputeRCM_NoDenials(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := ComputeRCM([]*Claim{rcmClaim(ClaimAccepted, 1000, asOf)}, nil, nil, asOf)
	if m.CleanClaimRate != 100 || m.DenialRate != 0 {
		t.Errorf("expected 100/0, got %v/%v", m.CleanClaimRate, m.DenialRate)
	}

	m = ComputeRCM([]*Claim{rcmClaim(ClaimSubmitted, 1000, asOf)}, nil, nil, asOf)
	if m.CleanClaimRate != 100 {
		t.Errorf("no adjudicated claims should report 100 clean, got %v", m.CleanClaimRate)
	}
}

func TestComputeRCM_EmptyScope(t *testing.T) {
	m := ComputeRCM(nil, nil, nil, time.Now())
	if m != (RCMMetrics{}) {
		t.Errorf("expected all zeros, got %+v", m)
	}
}

func TestComputeRCM_DaysInAR(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	claims := []*Claim{
		rcmClaim(ClaimSubmitted, 1000, asOf.AddDate(0, 0, -10)),
		rcmClaim(ClaimDenied, 1000, asOf.AddDate(0, 0, -21)),
		// settled and draft claims do not age
		rcmClaim(ClaimPaid, 1000, asOf.AddDate(0, 0, -300)),
		rcmClaim(ClaimDraft, 1000, asOf.AddDate(0, 0, -300)),
	}
	m := ComputeRCM(claims, nil, nil, asOf)
	if m.DaysInAR != 16 {
		t.Errorf("expected daysInAR 16, got %d", m.DaysInAR)
	}

	// 62499/25000 = 2.49996
	if got := meanDays(62499, 25000); got != 2 {
		t.Errorf("meanDays(62499, 25000) = %d, want 2", got)
	}
	if got := meanDays(5, 2); got != 3 {
		t.Errorf("meanDays(5, 2) = %d, want 3", got)
	}

	future := rcmClaim(ClaimSubmitted, 1000, asOf.AddDate(0, 0, 5))
	if got := ComputeRCM([]*Claim{future}, nil, nil, asOf).DaysInAR; got != 0 {
		t.Errorf("future service dates should age as 0, got %d", got)
	}
}

func TestComputeRCM_NetCollectionRate(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	accepted := rcmClaim(ClaimAccepted, 10000, asOf)
	draft := rcmClaim(ClaimDraft, 5000, asOf)
	payments := []*InsurancePayment{
		{ClaimID: accepted.ID, Amount: 3000},
		{ClaimID: accepted.ID, Amount: 2000},
		{ClaimID: uuid.New(), Amount: 9999},
	}
	m := ComputeRCM([]*Claim{accepted, draft}, nil, payments, asOf)
	if m.NetCollectionRate != 50 {
		t.Errorf("expected netCollectionRate 50, got %v", m.NetCollectionRate)
	}

	m = ComputeRCM([]*Claim{draft}, nil, nil, asOf)
	if m.NetCollectionRate != 0 {
		t.Errorf("nothing billed should report 0, got %v", m.NetCollectionRate)
	}
}

func TestGetClinicRCM_Scenario(t *testing.T) {
	f := newFixture(t)
	f.seedClaim(t, ClaimSubmitted, 50000, false)
	f.seedClaim(t, ClaimDenied, 20000, false)
	f.seedInvoice(t, f.patientID, 50000, InvoicePending, f.now.AddDate(0, 0, 5))

	m, err := f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TotalAR != 800.0 {
		t.Errorf("expected totalAR 800.0, got %v", m.TotalAR)
	}
	if m.DaysInAR != 20 {
		t.Errorf("expected daysInAR 20, got %d", m.DaysInAR)
	}
	if m.CleanClaimRate != 0 || m.DenialRate != 100 {
		t.Errorf("expected 0/100, got %v/%v", m.CleanClaimRate, m.DenialRate)
	}
}

func TestGetClinicRCM_NewTenant(t *testing.T) {
	f := newFixture(t)
	m, err := f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{TenantID: tenantA})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *m != (RCMMetrics{}) {
		t.Errorf("expected all zeros, got %+v", *m)
	}
}

func TestGetClinicRCM_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	f.seedClaim(t, ClaimSubmitted, 50000, false)
	other := rcmClaim(ClaimAccepted, 70000, f.now)
	other.TenantID = tenantB
	f.store.claims[other.ID] = other

	a, err := f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{})
	if err != nil {
		t.Fatalf("tenant a: %v", err)
	}
	if a.TotalAR != 500 || a.CleanClaimRate != 100 {
		t.Errorf("tenant a leaked foreign data: %+v", *a)
	}
	b, err := f.svc.GetClinicRCM(context.Background(), adminBEmail, RCMQuery{})
	if err != nil {
		t.Fatalf("tenant b: %v", err)
	}
	if b.TotalAR != 700 || b.CleanClaimRate != 100 {
		t.Errorf("tenant b leaked foreign data: %+v", *b)
	}

	_, err = f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{TenantID: tenantB})
	expectKind(t, err, apperr.KindTenantMismatch)
}

func TestGetClinicRCM_DateWindow(t *testing.T) {
	f := newFixture(t)
	f.seedClaim(t, ClaimSubmitted, 50000, false)
	start := f.now.AddDate(0, 0, -10)

	m, err := f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{StartDate: &start})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TotalAR != 0 {
		t.Errorf("claims created before the window must be excluded, got %v", m.TotalAR)
	}

	end := start.AddDate(0, 0, -1)
	_, err = f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{StartDate: &start, EndDate: &end})
	expectKind(t, err, apperr.KindValidationFailed)
}

func TestGetClinicRCM_RequiresClinicRole(t *testing.T) {
	f := newFixture(t)
	for _, email := range []string{providerEmail, patientEmail} {
		_, err := f.svc.GetClinicRCM(context.Background(), email, RCMQuery{})
		expectKind(t, err, apperr.KindRoleNotAuthorized)
	}
}

func TestGetProviderRCM_OwnClaimsOnly(t *testing.T) {
	f := newFixture(t)
	f.seedClaim(t, ClaimSubmitted, 50000, true)
	theirs, _ := f.seedClaim(t, ClaimDenied, 20000, true)
	f.store.claims[theirs.ID].ProviderID = f.provider2ID

	m, err := f.svc.GetProviderRCM(context.Background(), providerEmail, RCMQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 500 outstanding plus the 100 patient share of the linked invoice
	if m.TotalAR != 600 {
		t.Errorf("expected totalAR 600, got %v", m.TotalAR)
	}
	if m.DenialRate != 0 {
		t.Errorf("other provider's denial leaked, got %v", m.DenialRate)
	}

	m2, err := f.svc.GetProviderRCM(context.Background(), provider2Email, RCMQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m2.TotalAR != 240 || m2.DenialRate != 100 {
		t.Errorf("unexpected provider 2 metrics %+v", *m2)
	}
}

func TestGetProviderRCM_Rejections(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetProviderRCM(context.Background(), staffEmail, RCMQuery{})
	expectKind(t, err, apperr.KindRoleNotAuthorized)
	_, err = f.svc.GetProviderRCM(context.Background(), orphanEmail, RCMQuery{})
	expectKind(t, err, apperr.KindNotFound)
}

func TestGetClinicRCM_CachedUntilMutation(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.svc.SetCache(cache.New(client, time.Minute))

	claim, _ := f.seedClaim(t, ClaimAccepted, 50000, false)
	ctx := context.Background()
	end := f.now
	q := RCMQuery{EndDate: &end}

	first, err := f.svc.GetClinicRCM(ctx, staffEmail, q)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if first.TotalAR != 500 {
		t.Fatalf("expected totalAR 500, got %v", first.TotalAR)
	}

	// a write that bypasses the service is not seen until invalidation
	f.store.claims[claim.ID].TotalCharges = 1
	second, err := f.svc.GetClinicRCM(ctx, staffEmail, q)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if *second != *first {
		t.Errorf("expected cached %+v, got %+v", *first, *second)
	}
	f.store.claims[claim.ID].TotalCharges = 50000

	if _, err := f.svc.RecordInsurancePayment(ctx, staffEmail,
		InsurancePaymentRequest{ClaimID: claim.ID, Amount: 50000}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	third, err := f.svc.GetClinicRCM(ctx, staffEmail, q)
	if err != nil {
		t.Fatalf("third read: %v", err)
	}
	if third.TotalAR != 0 || third.NetCollectionRate != 100 {
		t.Errorf("expected fresh metrics after payment, got %+v", *third)
	}

	want := []bool{false, true, false}
	if len(f.metrics.rcmCached) != len(want) {
		t.Fatalf("expected %d observations, got %v", len(want), f.metrics.rcmCached)
	}
	for i := range want {
		if f.metrics.rcmCached[i] != want[i] {
			t.Errorf("observation %d: expected cached=%v", i, want[i])
		}
	}
}

// racingClaims commits a payment right after the first claims read, so the
// RCM computation in flight works from rows that are already stale.
type racingClaims struct {
	ClaimRepository
	fire func()
}

func (r *racingClaims) List(ctx context.Context, f ClaimFilter) ([]*Claim, error) {
	out, err := r.ClaimRepository.List(ctx, f)
	if r.fire != nil {
		fire := r.fire
		r.fire = nil
		fire()
	}
	return out, err
}

func TestGetClinicRCM_MutationDuringReadIsNotCached(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.svc.SetCache(cache.New(client, time.Minute))

	claim, _ := f.seedClaim(t, ClaimAccepted, 50000, false)
	ctx := context.Background()
	end := f.now
	q := RCMQuery{EndDate: &end}

	f.svc.claims = &racingClaims{
		ClaimRepository: f.svc.claims,
		fire: func() {
			if _, err := f.svc.RecordInsurancePayment(ctx, staffEmail,
				InsurancePaymentRequest{ClaimID: claim.ID, Amount: 50000}); err != nil {
				t.Errorf("payment: %v", err)
			}
		},
	}

	stale, err := f.svc.GetClinicRCM(ctx, staffEmail, q)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if stale.TotalAR != 500 {
		t.Fatalf("expected the in-flight read to see totalAR 500, got %v", stale.TotalAR)
	}

	fresh, err := f.svc.GetClinicRCM(ctx, staffEmail, q)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if fresh.TotalAR != 0 || fresh.NetCollectionRate != 100 {
		t.Errorf("expected metrics after payment, got %+v", *fresh)
	}
	if got := f.metrics.rcmCached; len(got) != 2 || got[1] {
		t.Errorf("second read must be computed, observations %v", got)
	}
}

func TestGetClinicRCM_ReadsOneSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedClaim(t, ClaimSubmitted, 50000, true)
	if _, err := f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.tx.reads != 1 {
		t.Errorf("expected one read transaction, got %d", f.tx.reads)
	}
	if f.tx.calls != 0 {
		t.Errorf("expected no write transaction, got %d", f.tx.calls)
	}
}

func TestGetClinicRCM_OpenWindowNotCached(t *testing.T) {
	f := newFixture(t)
	f.seedClaim(t, ClaimSubmitted, 50000, false)
	for i := 0; i < 2; i++ {
		if _, err := f.svc.GetClinicRCM(context.Background(), staffEmail, RCMQuery{}); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	for i, cached := range f.metrics.rcmCached {
		if cached {
			t.Errorf("read %d served from cache", i)
		}
	}
}
