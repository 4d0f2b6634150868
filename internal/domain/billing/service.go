package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zenthea/rcm/internal/domain/access"
	"github.com/zenthea/rcm/internal/platform/apperr"
)

var tracer = otel.Tracer("rcm.internal.domain.billing")

const (
	DefaultPatientSharePercent = 20
	DefaultInvoiceDueDays      = 30
)

// Authorizer is satisfied by *access.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, email string, req access.Requirement) (*access.Caller, error)
	VerifyTenantAccess(ctx context.Context, email, tenantID string) (*access.Caller, error)
	VerifyClinicBillingAccess(ctx context.Context, email, tenantID string) (*access.Caller, error)
	VerifyProviderBillingAccess(ctx context.Context, email, tenantID string) (*access.Caller, error)
	VerifyPatientBillingAccess(ctx context.Context, email string, patientID uuid.UUID) (*access.Caller, error)
}

// TxRunner runs fn in one serializable transaction, or in one read-only
// snapshot for InReadTx. Satisfied by *db.TxRunner.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	InReadTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ResultCache is satisfied by *cache.Store. Entries are addressed by the
// tenant generation the caller observed before reading.
type ResultCache interface {
	Generation(ctx context.Context, tenantID string) (int64, error)
	GetJSON(ctx context.Context, tenantID string, gen int64, name string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, tenantID string, gen int64, name string, v interface{}) error
	Invalidate(ctx context.Context, tenantID string) error
}

// Observer is satisfied by *metrics.BillingMetrics.
type Observer interface {
	ObserveClaimCreated(newInvoice bool)
	ObservePayment(kind string, cents int64)
	ObserveStatus(entity, status string)
	ObserveRCM(scope string, cached bool, elapsed time.Duration)
}

// SplitFunc divides an invoice total into the patient and insurance portions.
// The portions must be non-negative and sum to total.
type SplitFunc func(total int64) (patient, insurance int64)

// PercentSplit bills patientPercent of the total to the patient, rounded
// down to the cent, and the remainder to insurance.
func PercentSplit(patientPercent int64) SplitFunc {
	return func(total int64) (int64, int64) {
		patient := total * patientPercent / 100
		return patient, total - patient
	}
}

type Service struct {
	claims   ClaimRepository
	invoices InvoiceRepository
	payments PaymentRepository
	refs     ReferenceRepository
	guard    Authorizer
	tx       TxRunner
	numbers  ControlNumberGenerator

	split   SplitFunc
	dueIn   time.Duration
	now     func() time.Time
	cache   ResultCache
	metrics Observer
	logger  zerolog.Logger
}

func NewService(claims ClaimRepository, invoices InvoiceRepository, payments PaymentRepository,
	refs ReferenceRepository, guard Authorizer, tx TxRunner, numbers ControlNumberGenerator) *Service {
	return &Service{
		claims:   claims,
		invoices: invoices,
		payments: payments,
		refs:     refs,
		guard:    guard,
		tx:       tx,
		numbers:  numbers,
		split:    PercentSplit(DefaultPatientSharePercent),
		dueIn:    DefaultInvoiceDueDays * 24 * time.Hour,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
}

func (s *Service) SetSplit(fn SplitFunc)           { s.split = fn }
func (s *Service) SetInvoiceDueDays(days int)      { s.dueIn = time.Duration(days) * 24 * time.Hour }
func (s *Service) SetClock(now func() time.Time)   { s.now = now }
func (s *Service) SetCache(c ResultCache)          { s.cache = c }
func (s *Service) SetMetrics(m Observer)           { s.metrics = m }
func (s *Service) SetLogger(logger zerolog.Logger) { s.logger = logger }

func startSpan(ctx context.Context, name, tenantID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "billing."+name)
	if tenantID != "" {
		span.SetAttributes(attribute.String("rcm.tenant_id", tenantID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).Code())
	}
	span.End()
}

func lookupErr(err error, resource string) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return fmt.Errorf("load %s: %w", strings.ToLower(resource), err)
}

// committed runs after every successful mutation of tenant data.
func (s *Service) committed(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("rcm cache invalidation failed")
	}
}

func (s *Service) observeStatus(entity, status string) {
	if s.metrics != nil {
		s.metrics.ObserveStatus(entity, status)
	}
}

// -- Claim creation --

type LineItemInput struct {
	ProcedureCode  string   `json:"procedureCode"`
	Modifiers      []string `json:"modifiers"`
	DiagnosisCodes []string `json:"diagnosisCodes"`
	Units          int      `json:"units"`
	ChargeAmount   int64    `json:"chargeAmount"`
}

// CreateClaimRequest carries the claim inputs. An empty TenantID means the
// caller's own tenant.
type CreateClaimRequest struct {
	TenantID      string          `json:"-"`
	AppointmentID uuid.UUID       `json:"appointmentId"`
	PayerID       uuid.UUID       `json:"payerId"`
	LineItems     []LineItemInput `json:"lineItems"`
	InvoiceID     *uuid.UUID      `json:"invoiceId,omitempty"`
}

type CreateClaimResult struct {
	ClaimID   uuid.UUID `json:"claimId"`
	InvoiceID uuid.UUID `json:"invoiceId"`
}

func (r *CreateClaimRequest) lineItems() ([]*ClaimLineItem, int64, error) {
	if r.AppointmentID == uuid.Nil {
		return nil, 0, apperr.Validation("appointmentId is required")
	}
	if r.PayerID == uuid.Nil {
		return nil, 0, apperr.Validation("payerId is required")
	}
	if len(r.LineItems) == 0 {
		return nil, 0, apperr.Validation("At least one line item is required")
	}
	items := make([]*ClaimLineItem, 0, len(r.LineItems))
	var total int64
	for i, in := range r.LineItems {
		n := i + 1
		if strings.TrimSpace(in.ProcedureCode) == "" {
			return nil, 0, apperr.Validation("line item %d: procedure code is required", n)
		}
		if len(in.DiagnosisCodes) == 0 {
			return nil, 0, apperr.Validation("line item %d: at least one diagnosis code is required", n)
		}
		for _, code := range in.DiagnosisCodes {
			if strings.TrimSpace(code) == "" {
				return nil, 0, apperr.Validation("line item %d: diagnosis codes must not be blank", n)
			}
		}
		if in.Units <= 0 {
			return nil, 0, apperr.Validation("line item %d: units must be greater than 0", n)
		}
		if in.ChargeAmount <= 0 {
			return nil, 0, apperr.Validation("line item %d: charge amount must be greater than 0", n)
		}
		if in.ChargeAmount > math.MaxInt64/int64(in.Units) {
			return nil, 0, apperr.Validation("line item %d: units times charge amount is too large", n)
		}
		modifiers := in.Modifiers
		if modifiers == nil {
			modifiers = []string{}
		}
		li := &ClaimLineItem{
			ProcedureCode:  in.ProcedureCode,
			Modifiers:      modifiers,
			DiagnosisCodes: in.DiagnosisCodes,
			Units:          in.Units,
			ChargeAmount:   in.ChargeAmount,
		}
		if total > math.MaxInt64-li.Total() {
			return nil, 0, apperr.Validation("claim total is too large")
		}
		total += li.Total()
		items = append(items, li)
	}
	return items, total, nil
}

func (s *Service) splitTotal(total int64) (int64, int64, error) {
	patient, insurance := s.split(total)
	if patient < 0 || insurance < 0 || patient+insurance != total {
		return 0, 0, fmt.Errorf("split policy returned %d/%d for total %d", patient, insurance, total)
	}
	return patient, insurance, nil
}

// CreateClaimForAppointment bills a completed appointment. The claim starts
// as a draft and is linked both ways to either the supplied invoice or a new
// pending one.
func (s *Service) CreateClaimForAppointment(ctx context.Context, email string, req CreateClaimRequest) (res *CreateClaimResult, err error) {
	ctx, span := startSpan(ctx, "create_claim", req.TenantID)
	defer func() { endSpan(span, err) }()

	caller, err := s.guard.VerifyClinicBillingAccess(ctx, email, req.TenantID)
	if err != nil {
		return nil, err
	}
	items, total, err := req.lineItems()
	if err != nil {
		return nil, err
	}
	tenantID := caller.TenantID()
	now := s.now()

	var claim *Claim
	var inv *Invoice
	newInvoice := req.InvoiceID == nil
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		appt, err := s.refs.GetAppointment(ctx, tenantID, req.AppointmentID)
		if err != nil {
			return lookupErr(err, "Appointment")
		}
		if appt.Status != AppointmentCompleted {
			return apperr.Validation("Appointment must be completed before it can be billed")
		}
		if _, err := s.refs.GetPayer(ctx, tenantID, req.PayerID); err != nil {
			return lookupErr(err, "Payer")
		}

		if !newInvoice {
			inv, err = s.invoices.GetForUpdate(ctx, tenantID, *req.InvoiceID)
			if err != nil {
				return lookupErr(err, "Invoice")
			}
			switch {
			case inv.PatientID != appt.PatientID:
				return apperr.Validation("Invoice belongs to a different patient")
			case inv.ClaimID != nil:
				return apperr.Validation("Invoice is already linked to a claim")
			case inv.Status == InvoicePaid:
				return apperr.Validation("Invoice is already paid")
			}
		}

		apptID := appt.ID
		claim = &Claim{
			ID:            uuid.New(),
			TenantID:      tenantID,
			PatientID:     appt.PatientID,
			ProviderID:    appt.ProviderID,
			PayerID:       req.PayerID,
			AppointmentID: &apptID,
			Status:        ClaimDraft,
			TotalCharges:  total,
			ServiceDates:  []time.Time{appt.ScheduledAt},
			ControlNumber: s.numbers.ClaimControlNumber(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.claims.Create(ctx, claim, items); err != nil {
			return err
		}

		if newInvoice {
			patient, insurance, err := s.splitTotal(total)
			if err != nil {
				return err
			}
			inv = &Invoice{
				ID:                      uuid.New(),
				TenantID:                tenantID,
				PatientID:               appt.PatientID,
				ClaimID:                 &claim.ID,
				InvoiceNumber:           s.numbers.InvoiceNumber(),
				Amount:                  total,
				PatientResponsibility:   patient,
				InsuranceResponsibility: insurance,
				Status:                  InvoicePending,
				DueDate:                 now.Add(s.dueIn),
				CreatedAt:               now,
				UpdatedAt:               now,
			}
			if err := s.invoices.Create(ctx, inv); err != nil {
				return err
			}
		} else {
			inv.ClaimID = &claim.ID
			inv.UpdatedAt = now
			if err := s.invoices.Update(ctx, inv); err != nil {
				return err
			}
		}
		if err := s.claims.LinkInvoice(ctx, tenantID, claim.ID, inv.ID); err != nil {
			return err
		}
		claim.InvoiceID = &inv.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObserveClaimCreated(newInvoice)
	}
	span.SetAttributes(attribute.String("rcm.claim_id", claim.ID.String()))
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("claim_id", claim.ID.String()).
		Str("invoice_id", inv.ID.String()).
		Int64("total_charges", total).
		Bool("new_invoice", newInvoice).
		Msg("claim created")
	return &CreateClaimResult{ClaimID: claim.ID, InvoiceID: inv.ID}, nil
}

// -- Payments --

type InsurancePaymentRequest struct {
	TenantID         string     `json:"-"`
	ClaimID          uuid.UUID  `json:"-"`
	Amount           int64      `json:"amount"`
	AdjustmentAmount int64      `json:"adjustmentAmount"`
	CheckNumber      *string    `json:"checkNumber,omitempty"`
	TransactionID    *string    `json:"transactionId,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
}

type PatientPaymentRequest struct {
	TenantID      string        `json:"-"`
	InvoiceID     uuid.UUID     `json:"-"`
	Amount        int64         `json:"amount"`
	Method        PaymentMethod `json:"paymentMethod"`
	TransactionID *string       `json:"transactionId,omitempty"`
	PaidAt        *time.Time    `json:"paidAt,omitempty"`
}

// PaymentResult reports the ledger row and the statuses derived after it.
type PaymentResult struct {
	PaymentID     uuid.UUID     `json:"paymentId"`
	ClaimStatus   ClaimStatus   `json:"claimStatus,omitempty"`
	InvoiceStatus InvoiceStatus `json:"invoiceStatus,omitempty"`
}

// deriveInvoiceStatus applies the combined ledger rule. A paid invoice stays
// paid. claim is nil for standalone invoices.
func deriveInvoiceStatus(inv *Invoice, claim *Claim, patientPaid, insurancePaid int64, now time.Time) (InvoiceStatus, *time.Time) {
	if inv.Status == InvoicePaid {
		return InvoicePaid, inv.PaidDate
	}
	insuranceSettled := claim == nil || claim.Status == ClaimPaid
	if patientPaid >= inv.PatientResponsibility && insuranceSettled {
		paid := now
		return InvoicePaid, &paid
	}
	if patientPaid > 0 || insurancePaid > 0 {
		return InvoicePartiallyPaid, inv.PaidDate
	}
	return inv.Status, inv.PaidDate
}

func (s *Service) settleInvoice(ctx context.Context, inv *Invoice, claim *Claim, patientPaid, insurancePaid int64, now time.Time) (bool, error) {
	status, paidDate := deriveInvoiceStatus(inv, claim, patientPaid, insurancePaid, now)
	if status == inv.Status {
		return false, nil
	}
	inv.Status = status
	inv.PaidDate = paidDate
	inv.UpdatedAt = now
	if err := s.invoices.Update(ctx, inv); err != nil {
		return false, err
	}
	return true, nil
}

func validatePaymentAmount(amount int64) error {
	if amount <= 0 {
		return apperr.Validation("Payment amount must be greater than 0")
	}
	return nil
}

// RecordInsurancePayment appends a payer remittance to the claim's ledger.
// The claim becomes paid once cumulative payments reach the linked invoice's
// insurance responsibility, or the claim total when no invoice is linked.
func (s *Service) RecordInsurancePayment(ctx context.Context, email string, req InsurancePaymentRequest) (res *PaymentResult, err error) {
	ctx, span := startSpan(ctx, "record_insurance_payment", req.TenantID)
	defer func() { endSpan(span, err) }()

	caller, err := s.guard.VerifyClinicBillingAccess(ctx, email, req.TenantID)
	if err != nil {
		return nil, err
	}
	if err := validatePaymentAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.ClaimID == uuid.Nil {
		return nil, apperr.Validation("claim id is required")
	}
	tenantID := caller.TenantID()
	now := s.now()
	payment := &InsurancePayment{
		ID:               uuid.New(),
		TenantID:         tenantID,
		ClaimID:          req.ClaimID,
		Amount:           req.Amount,
		AdjustmentAmount: req.AdjustmentAmount,
		CheckNumber:      req.CheckNumber,
		TransactionID:    req.TransactionID,
		PaidAt:           now,
		CreatedAt:        now,
	}
	if req.PaidAt != nil {
		payment.PaidAt = *req.PaidAt
	}

	var claim *Claim
	var inv *Invoice
	var claimChanged, invoiceChanged bool
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		claim, err = s.claims.GetForUpdate(ctx, tenantID, req.ClaimID)
		if err != nil {
			return lookupErr(err, "Claim")
		}
		if claim.InvoiceID != nil {
			inv, err = s.invoices.GetForUpdate(ctx, tenantID, *claim.InvoiceID)
			if err != nil {
				return lookupErr(err, "Invoice")
			}
		}
		if err := s.payments.AddInsurance(ctx, payment); err != nil {
			return err
		}
		insurancePaid, err := s.payments.InsuranceTotal(ctx, claim.ID)
		if err != nil {
			return fmt.Errorf("sum insurance payments: %w", err)
		}

		target := claim.TotalCharges
		if inv != nil {
			target = inv.InsuranceResponsibility
		}
		if claim.Status != ClaimPaid && insurancePaid >= target {
			claim.Status = ClaimPaid
			claim.DenialReason = nil
			claim.UpdatedAt = now
			if err := s.claims.UpdateStatus(ctx, claim); err != nil {
				return err
			}
			claimChanged = true
		}

		if inv == nil {
			return nil
		}
		patientPaid, err := s.payments.PatientTotal(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("sum patient payments: %w", err)
		}
		invoiceChanged, err = s.settleInvoice(ctx, inv, claim, patientPaid, insurancePaid, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObservePayment("insurance", req.Amount)
	}
	if claimChanged {
		s.observeStatus("claim", string(claim.Status))
	}
	res = &PaymentResult{PaymentID: payment.ID, ClaimStatus: claim.Status}
	if inv != nil {
		res.InvoiceStatus = inv.Status
		if invoiceChanged {
			s.observeStatus("invoice", string(inv.Status))
		}
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("claim_id", claim.ID.String()).
		Str("payment_id", payment.ID.String()).
		Int64("amount", req.Amount).
		Str("claim_status", string(claim.Status)).
		Msg("insurance payment recorded")
	return res, nil
}

// RecordPatientPayment appends a patient payment to the invoice's ledger.
// Patients may only pay their own invoices; clinic staff may pay any invoice
// of their tenant.
func (s *Service) RecordPatientPayment(ctx context.Context, email string, req PatientPaymentRequest) (res *PaymentResult, err error) {
	ctx, span := startSpan(ctx, "record_patient_payment", req.TenantID)
	defer func() { endSpan(span, err) }()

	caller, err := s.guard.VerifyTenantAccess(ctx, email, req.TenantID)
	if err != nil {
		return nil, err
	}
	if err := validatePaymentAmount(req.Amount); err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, apperr.Validation("invalid payment method %q", req.Method)
	}
	if req.InvoiceID == uuid.Nil {
		return nil, apperr.Validation("invoice id is required")
	}
	tenantID := caller.TenantID()

	inv, err := s.invoices.GetByID(ctx, tenantID, req.InvoiceID)
	if err != nil {
		return nil, lookupErr(err, "Invoice")
	}
	if _, err := s.guard.VerifyPatientBillingAccess(ctx, email, inv.PatientID); err != nil {
		return nil, err
	}

	now := s.now()
	payment := &PatientPayment{
		ID:            uuid.New(),
		TenantID:      tenantID,
		InvoiceID:     inv.ID,
		PatientID:     inv.PatientID,
		Amount:        req.Amount,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		PaidAt:        now,
		CreatedAt:     now,
	}
	if req.PaidAt != nil {
		payment.PaidAt = *req.PaidAt
	}

	var changed bool
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.GetForUpdate(ctx, tenantID, req.InvoiceID)
		if err != nil {
			return lookupErr(err, "Invoice")
		}
		var claim *Claim
		var insurancePaid int64
		if inv.ClaimID != nil {
			claim, err = s.claims.GetByID(ctx, tenantID, *inv.ClaimID)
			if err != nil {
				return lookupErr(err, "Claim")
			}
			insurancePaid, err = s.payments.InsuranceTotal(ctx, claim.ID)
			if err != nil {
				return fmt.Errorf("sum insurance payments: %w", err)
			}
		}
		if err := s.payments.AddPatient(ctx, payment); err != nil {
			return err
		}
		patientPaid, err := s.payments.PatientTotal(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("sum patient payments: %w", err)
		}
		changed, err = s.settleInvoice(ctx, inv, claim, patientPaid, insurancePaid, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObservePayment("patient", req.Amount)
	}
	if changed {
		s.observeStatus("invoice", string(inv.Status))
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("invoice_id", inv.ID.String()).
		Str("payment_id", payment.ID.String()).
		Int64("amount", req.Amount).
		Str("invoice_status", string(inv.Status)).
		Msg("patient payment recorded")
	return &PaymentResult{PaymentID: payment.ID, InvoiceStatus: inv.Status}, nil
}

// -- Claim status --

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimDraft:     {ClaimSubmitted},
	ClaimSubmitted: {ClaimAccepted, ClaimDenied},
	ClaimDenied:    {ClaimSubmitted},
}

func canTransition(from, to ClaimStatus) bool {
	for _, s := range claimTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TransitionRequest struct {
	TenantID     string      `json:"-"`
	ClaimID      uuid.UUID   `json:"-"`
	Status       ClaimStatus `json:"status"`
	DenialReason *string     `json:"denialReason,omitempty"`
}

// TransitionClaimStatus records an adjudication step. Paid is reached only
// through insurance payments.
func (s *Service) TransitionClaimStatus(ctx context.Context, email string, req TransitionRequest) (claim *Claim, err error) {
	ctx, span := startSpan(ctx, "transition_claim", req.TenantID)
	defer func() { endSpan(span, err) }()

	caller, err := s.guard.VerifyClinicBillingAccess(ctx, email, req.TenantID)
	if err != nil {
		return nil, err
	}
	switch {
	case !req.Status.Valid():
		return nil, apperr.Validation("invalid claim status %q", req.Status)
	case req.Status == ClaimPaid:
		return nil, apperr.Validation("Claims become paid only through insurance payments")
	case req.Status == ClaimDenied && (req.DenialReason == nil || strings.TrimSpace(*req.DenialReason) == ""):
		return nil, apperr.Validation("A denial reason is required")
	}
	tenantID := caller.TenantID()
	now := s.now()

	var from ClaimStatus
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		claim, err = s.claims.GetForUpdate(ctx, tenantID, req.ClaimID)
		if err != nil {
			return lookupErr(err, "Claim")
		}
		from = claim.Status
		if !canTransition(from, req.Status) {
			return apperr.Validation("Cannot move claim from %s to %s", from, req.Status)
		}
		claim.Status = req.Status
		claim.DenialReason = nil
		if req.Status == ClaimDenied {
			reason := strings.TrimSpace(*req.DenialReason)
			claim.DenialReason = &reason
		}
		claim.UpdatedAt = now
		return s.claims.UpdateStatus(ctx, claim)
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, tenantID)
	s.observeStatus("claim", string(claim.Status))
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("claim_id", claim.ID.String()).
		Str("from", string(from)).
		Str("to", string(claim.Status)).
		Msg("claim status changed")
	return claim, nil
}

// -- Claim detail --

// GetClaimDetail serves the clinic, provider and patient views of one claim
// from the same records.
func (s *Service) GetClaimDetail(ctx context.Context, email, tenantID string, claimID uuid.UUID) (detail *ClaimDetail, err error) {
	ctx, span := startSpan(ctx, "claim_detail", tenantID)
	defer func() { endSpan(span, err) }()

	caller, err := s.guard.VerifyTenantAccess(ctx, email, tenantID)
	if err != nil {
		return nil, err
	}
	role := caller.Role()
	switch {
	case role.IsClinicStaff(), role == access.RolePatient:
	case role == access.RoleProvider:
		if caller, err = s.guard.VerifyProviderBillingAccess(ctx, email, tenantID); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.PermissionDenied("view claims")
	}

	claim, err := s.claims.GetByID(ctx, caller.TenantID(), claimID)
	if err != nil {
		return nil, lookupErr(err, "Claim")
	}
	switch role {
	case access.RoleProvider:
		if claim.ProviderID != caller.ProviderID {
			return nil, apperr.PermissionDenied("view claims of other providers")
		}
	case access.RolePatient:
		if _, err := s.guard.VerifyPatientBillingAccess(ctx, email, claim.PatientID); err != nil {
			return nil, err
		}
	}
	return s.loadClaimDetail(ctx, claim)
}

func (s *Service) loadClaimDetail(ctx context.Context, claim *Claim) (*ClaimDetail, error) {
	detail := &ClaimDetail{Claim: claim}
	err := s.tx.InReadTx(ctx, func(ctx context.Context) error {
		items, err := s.claims.GetLineItems(ctx, claim.ID)
		if err != nil {
			return fmt.Errorf("load line items: %w", err)
		}
		insurance, err := s.payments.ListInsurance(ctx, claim.TenantID, []uuid.UUID{claim.ID})
		if err != nil {
			return fmt.Errorf("load insurance payments: %w", err)
		}
		detail.LineItems = nonNil(items)
		detail.InsurancePayments = nonNil(insurance)
		detail.PatientPayments = []*PatientPayment{}
		if claim.InvoiceID == nil {
			return nil
		}
		inv, err := s.invoices.GetByID(ctx, claim.TenantID, *claim.InvoiceID)
		if err != nil {
			return lookupErr(err, "Invoice")
		}
		patient, err := s.payments.ListPatient(ctx, inv.ID)
		if err != nil {
			return fmt.Errorf("load patient payments: %w", err)
		}
		detail.Invoice = inv
		detail.PatientPayments = nonNil(patient)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// -- Overdue sweep --

// MarkOverdueInvoices flags unpaid pending or submitted invoices whose due
// date has passed. It runs as a scheduled job, not on behalf of a user.
func (s *Service) MarkOverdueInvoices(ctx context.Context, tenantID string, now time.Time) (n int64, err error) {
	ctx, span := startSpan(ctx, "mark_overdue", tenantID)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(tenantID) == "" {
		return 0, apperr.Validation("tenant id is required")
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.invoices.MarkOverdue(ctx, tenantID, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.committed(ctx, tenantID)
		s.logger.Info().Str("tenant_id", tenantID).Int64("count", n).Msg("invoices marked overdue")
	}
	return n, nil
}
