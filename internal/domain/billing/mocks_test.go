package billing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zenthea/rcm/internal/domain/access"
	"github.com/zenthea/rcm/internal/platform/apperr"
	"github.com/zenthea/rcm/pkg/money"
)

// -- In-memory store --

// memStore backs every repository interface. Reads return copies so that
// only explicit writes change stored rows.
type memStore struct {
	claims       map[uuid.UUID]*Claim
	lineItems    map[uuid.UUID][]*ClaimLineItem
	invoices     map[uuid.UUID]*Invoice
	insurance    []*InsurancePayment
	patient      []*PatientPayment
	appointments map[uuid.UUID]*Appointment
	payers       map[uuid.UUID]*Payer
}

func newMemStore() *memStore {
	return &memStore{
		claims:       make(map[uuid.UUID]*Claim),
		lineItems:    make(map[uuid.UUID][]*ClaimLineItem),
		invoices:     make(map[uuid.UUID]*Invoice),
		appointments: make(map[uuid.UUID]*Appointment),
		payers:       make(map[uuid.UUID]*Payer),
	}
}

type memClaims struct{ *memStore }

func (m memClaims) Create(_ context.Context, c *Claim, items []*ClaimLineItem) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	for _, other := range m.claims {
		if other.TenantID == c.TenantID && other.ControlNumber == c.ControlNumber {
			return fmt.Errorf("duplicate control number %s", c.ControlNumber)
		}
	}
	cp := *c
	m.claims[c.ID] = &cp
	for i, li := range items {
		li.ID = uuid.New()
		li.ClaimID = c.ID
		li.LineNumber = i + 1
		lc := *li
		m.lineItems[c.ID] = append(m.lineItems[c.ID], &lc)
	}
	return nil
}

func (m memClaims) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Claim, error) {
	c, ok := m.claims[id]
	if !ok || c.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m memClaims) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Claim, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m memClaims) UpdateStatus(_ context.Context, c *Claim) error {
	stored, ok := m.claims[c.ID]
	if !ok || stored.TenantID != c.TenantID {
		return ErrNotFound
	}
	stored.Status = c.Status
	stored.DenialReason = c.DenialReason
	stored.UpdatedAt = c.UpdatedAt
	return nil
}

func (m memClaims) LinkInvoice(_ context.Context, tenantID string, claimID, invoiceID uuid.UUID) error {
	stored, ok := m.claims[claimID]
	if !ok || stored.TenantID != tenantID {
		return ErrNotFound
	}
	id := invoiceID
	stored.InvoiceID = &id
	return nil
}

func (m memClaims) GetLineItems(_ context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error) {
	return m.lineItems[claimID], nil
}

func (m memClaims) List(_ context.Context, f ClaimFilter) ([]*Claim, error) {
	var out []*Claim
	for _, c := range m.claims {
		switch {
		case c.TenantID != f.TenantID:
		case f.Status != nil && c.Status != *f.Status:
		case f.PayerID != nil && c.PayerID != *f.PayerID:
		case f.ProviderID != nil && c.ProviderID != *f.ProviderID:
		case f.PatientID != nil && c.PatientID != *f.PatientID:
		case !money.WithinWindow(c.CreatedAt, f.CreatedFrom, f.CreatedTo):
		default:
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memInvoices struct{ *memStore }

func (m memInvoices) Create(_ context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m memInvoices) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m memInvoices) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m memInvoices) Update(_ context.Context, inv *Invoice) error {
	stored, ok := m.invoices[inv.ID]
	if !ok || stored.TenantID != inv.TenantID {
		return ErrNotFound
	}
	stored.ClaimID = inv.ClaimID
	stored.Status = inv.Status
	stored.PaidDate = inv.PaidDate
	stored.UpdatedAt = inv.UpdatedAt
	return nil
}

func (m memInvoices) List(_ context.Context, f InvoiceFilter) ([]*Invoice, error) {
	var out []*Invoice
	for _, inv := range m.invoices {
		switch {
		case inv.TenantID != f.TenantID:
		case f.Status != nil && inv.Status != *f.Status:
		case f.PatientID != nil && inv.PatientID != *f.PatientID:
		case f.ProviderID != nil && !m.linkedToProvider(inv, *f.ProviderID):
		case !money.WithinWindow(inv.CreatedAt, f.CreatedFrom, f.CreatedTo):
		default:
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memInvoices) linkedToProvider(inv *Invoice, providerID uuid.UUID) bool {
	if inv.ClaimID == nil {
		return false
	}
	c, ok := m.claims[*inv.ClaimID]
	return ok && c.ProviderID == providerID
}

func (m memInvoices) MarkOverdue(_ context.Context, tenantID string, now time.Time) (int64, error) {
	var n int64
	for _, inv := range m.invoices {
		if inv.TenantID != tenantID || !inv.DueDate.Before(now) {
			continue
		}
		if inv.Status == InvoicePending || inv.Status == InvoiceSubmitted {
			inv.Status = InvoiceOverdue
			inv.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

type memPayments struct{ *memStore }

func (m memPayments) AddInsurance(_ context.Context, p *InsurancePayment) error {
	cp := *p
	m.insurance = append(m.insurance, &cp)
	return nil
}

func (m memPayments) AddPatient(_ context.Context, p *PatientPayment) error {
	cp := *p
	m.patient = append(m.patient, &cp)
	return nil
}

func (m memPayments) InsuranceTotal(_ context.Context, claimID uuid.UUID) (int64, error) {
	var total int64
	for _, p := range m.insurance {
		if p.ClaimID == claimID {
			total += p.Amount
		}
	}
	return total, nil
}

func (m memPayments) PatientTotal(_ context.Context, invoiceID uuid.UUID) (int64, error) {
	var total int64
	for _, p := range m.patient {
		if p.InvoiceID == invoiceID {
			total += p.Amount
		}
	}
	return total, nil
}

func (m memPayments) ListInsurance(_ context.Context, tenantID string, claimIDs []uuid.UUID) ([]*InsurancePayment, error) {
	want := make(map[uuid.UUID]bool, len(claimIDs))
	for _, id := range claimIDs {
		want[id] = true
	}
	var out []*InsurancePayment
	for _, p := range m.insurance {
		if p.TenantID == tenantID && want[p.ClaimID] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memPayments) ListPatient(_ context.Context, invoiceID uuid.UUID) ([]*PatientPayment, error) {
	var out []*PatientPayment
	for _, p := range m.patient {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	return out, nil
}

type memRefs struct{ *memStore }

func (m memRefs) GetAppointment(_ context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appointments[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m memRefs) GetPayer(_ context.Context, tenantID string, id uuid.UUID) (*Payer, error) {
	p, ok := m.payers[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return p, nil
}

// -- Directory --

type memDirectory struct {
	users     map[string]*access.User
	providers map[string]*access.Provider
	patients  map[uuid.UUID]*access.Patient
}

func (d *memDirectory) UserByEmail(_ context.Context, email string) (*access.User, error) {
	u, ok := d.users[strings.ToLower(email)]
	if !ok {
		return nil, access.ErrNotFound
	}
	return u, nil
}

func (d *memDirectory) ProviderByEmail(_ context.Context, tenantID, email string) (*access.Provider, error) {
	p, ok := d.providers[strings.ToLower(email)]
	if !ok || p.TenantID != tenantID {
		return nil, access.ErrNotFound
	}
	return p, nil
}

func (d *memDirectory) PatientByEmail(_ context.Context, tenantID, email string) (*access.Patient, error) {
	for _, p := range d.patients {
		if p.TenantID == tenantID && p.Email != nil && strings.EqualFold(*p.Email, email) {
			return p, nil
		}
	}
	return nil, access.ErrNotFound
}

func (d *memDirectory) PatientByID(_ context.Context, id uuid.UUID) (*access.Patient, error) {
	p, ok := d.patients[id]
	if !ok {
		return nil, access.ErrNotFound
	}
	return p, nil
}

// -- Collaborators --

type fakeTx struct{ calls, reads int }

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

func (f *fakeTx) InReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.reads++
	return fn(ctx)
}

type seqNumbers struct{ n int }

func (s *seqNumbers) ClaimControlNumber() string {
	s.n++
	return fmt.Sprintf("CLM-%d", s.n)
}

func (s *seqNumbers) InvoiceNumber() string {
	s.n++
	return fmt.Sprintf("INV-%d", s.n)
}

type recordingObserver struct {
	claimsCreated map[bool]int
	payments      map[string]int64
	statuses      map[string]int
	rcmCached     []bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		claimsCreated: make(map[bool]int),
		payments:      make(map[string]int64),
		statuses:      make(map[string]int),
	}
}

func (o *recordingObserver) ObserveClaimCreated(newInvoice bool)     { o.claimsCreated[newInvoice]++ }
func (o *recordingObserver) ObservePayment(kind string, cents int64) { o.payments[kind] += cents }
func (o *recordingObserver) ObserveStatus(entity, status string) {
	o.statuses[entity+":"+status]++
}
func (o *recordingObserver) ObserveRCM(_ string, cached bool, _ time.Duration) {
	o.rcmCached = append(o.rcmCached, cached)
}

type countingCache struct {
	invalidated map[string]int
}

func (c *countingCache) Generation(context.Context, string) (int64, error) { return 0, nil }

func (c *countingCache) GetJSON(context.Context, string, int64, string, interface{}) (bool, error) {
	return false, nil
}

func (c *countingCache) SetJSON(context.Context, string, int64, string, interface{}) error {
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, tenantID string) error {
	c.invalidated[tenantID]++
	return nil
}

// -- Fixture --

const (
	tenantA = "clinic_a"
	tenantB = "clinic_b"

	staffEmail     = "staff@a.example"
	adminBEmail    = "admin@b.example"
	providerEmail  = "doc@a.example"
	provider2Email = "doc2@a.example"
	patientEmail   = "pat@a.example"
	patient2Email  = "pat2@a.example"
	orphanEmail    = "orphan@a.example"
)

type fixture struct {
	svc     *Service
	store   *memStore
	tx      *fakeTx
	metrics *recordingObserver
	cache   *countingCache
	now     time.Time

	providerID  uuid.UUID
	provider2ID uuid.UUID
	patientID   uuid.UUID
	patient2ID  uuid.UUID
	patientBID  uuid.UUID
	payerID     uuid.UUID
	payerBID    uuid.UUID

	completedAppt uuid.UUID
	scheduledAppt uuid.UUID
	apptB         uuid.UUID
}

func strPtr(s string) *string { return &s }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       newMemStore(),
		tx:          &fakeTx{},
		metrics:     newRecordingObserver(),
		cache:       &countingCache{invalidated: make(map[string]int)},
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		providerID:  uuid.New(),
		provider2ID: uuid.New(),
		patientID:   uuid.New(),
		patient2ID:  uuid.New(),
		patientBID:  uuid.New(),
		payerID:     uuid.New(),
		payerBID:    uuid.New(),
	}

	user := func(email, tenant string, role access.Role) *access.User {
		return &access.User{ID: uuid.New(), TenantID: tenant, Email: email, Role: role, Active: true}
	}
	dir := &memDirectory{
		users: map[string]*access.User{
			staffEmail:     user(staffEmail, tenantA, access.RoleClinicUser),
			adminBEmail:    user(adminBEmail, tenantB, access.RoleAdmin),
			providerEmail:  user(providerEmail, tenantA, access.RoleProvider),
			provider2Email: user(provider2Email, tenantA, access.RoleProvider),
			patientEmail:   user(patientEmail, tenantA, access.RolePatient),
			patient2Email:  user(patient2Email, tenantA, access.RolePatient),
			orphanEmail:    user(orphanEmail, tenantA, access.RoleProvider),
		},
		providers: map[string]*access.Provider{
			providerEmail:  {ID: f.providerID, TenantID: tenantA, Email: providerEmail},
			provider2Email: {ID: f.provider2ID, TenantID: tenantA, Email: provider2Email},
		},
		patients: map[uuid.UUID]*access.Patient{
			f.patientID:  {ID: f.patientID, TenantID: tenantA, Email: strPtr(patientEmail)},
			f.patient2ID: {ID: f.patient2ID, TenantID: tenantA, Email: strPtr(patient2Email)},
			f.patientBID: {ID: f.patientBID, TenantID: tenantB},
		},
	}

	f.store.payers[f.payerID] = &Payer{ID: f.payerID, TenantID: tenantA, Name: "Acme Health"}
	f.store.payers[f.payerBID] = &Payer{ID: f.payerBID, TenantID: tenantB, Name: "Other Health"}

	addAppt := func(tenant string, patient, provider uuid.UUID, status string) uuid.UUID {
		id := uuid.New()
		f.store.appointments[id] = &Appointment{
			ID: id, TenantID: tenant, PatientID: patient, ProviderID: provider,
			ScheduledAt: f.now.AddDate(0, 0, -10), Status: status,
		}
		return id
	}
	f.completedAppt = addAppt(tenantA, f.patientID, f.providerID, AppointmentCompleted)
	f.scheduledAppt = addAppt(tenantA, f.patientID, f.providerID, "scheduled")
	f.apptB = addAppt(tenantB, f.patientBID, uuid.New(), AppointmentCompleted)

	f.svc = NewService(memClaims{f.store}, memInvoices{f.store}, memPayments{f.store}, memRefs{f.store},
		access.NewGuard(dir), f.tx, &seqNumbers{})
	f.svc.SetClock(func() time.Time { return f.now })
	f.svc.SetMetrics(f.metrics)
	f.svc.SetCache(f.cache)
	return f
}

// seedClaim stores a claim, optionally with a linked invoice split 20/80.
func (f *fixture) seedClaim(t *testing.T, status ClaimStatus, total int64, withInvoice bool) (*Claim, *Invoice) {
	t.Helper()
	c := &Claim{
		ID:            uuid.New(),
		TenantID:      tenantA,
		PatientID:     f.patientID,
		ProviderID:    f.providerID,
		PayerID:       f.payerID,
		Status:        status,
		TotalCharges:  total,
		ServiceDates:  []time.Time{f.now.AddDate(0, 0, -20)},
		ControlNumber: "SEED-" + uuid.NewString(),
		CreatedAt:     f.now.AddDate(0, 0, -20),
		UpdatedAt:     f.now.AddDate(0, 0, -20),
	}
	if status == ClaimDenied {
		c.DenialReason = strPtr("CO-50")
	}
	f.store.claims[c.ID] = c
	if !withInvoice {
		return c, nil
	}
	inv := f.seedInvoice(t, f.patientID, total, InvoicePending, f.now.AddDate(0, 0, 10))
	inv.ClaimID = &c.ID
	c.InvoiceID = &inv.ID
	return c, inv
}

func (f *fixture) seedInvoice(t *testing.T, patientID uuid.UUID, amount int64, status InvoiceStatus, due time.Time) *Invoice {
	t.Helper()
	patient := amount / 5
	inv := &Invoice{
		ID:                      uuid.New(),
		TenantID:                tenantA,
		PatientID:               patientID,
		InvoiceNumber:           "SEED-" + uuid.NewString(),
		Amount:                  amount,
		PatientResponsibility:   patient,
		InsuranceResponsibility: amount - patient,
		Status:                  status,
		DueDate:                 due,
		CreatedAt:               f.now.AddDate(0, 0, -20),
		UpdatedAt:               f.now.AddDate(0, 0, -20),
	}
	f.store.invoices[inv.ID] = inv
	return inv
}

func expectKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind.Code())
	}
	if got := apperr.KindOf(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind.Code(), got.Code(), err)
	}
}
