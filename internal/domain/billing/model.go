package billing

import (
	"time"

	"github.com/google/uuid"
)

type ClaimStatus string

const (
	ClaimDraft     ClaimStatus = "draft"
	ClaimSubmitted ClaimStatus = "submitted"
	ClaimAccepted  ClaimStatus = "accepted"
	ClaimDenied    ClaimStatus = "denied"
	ClaimPaid      ClaimStatus = "paid"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimDraft, ClaimSubmitted, ClaimAccepted, ClaimDenied, ClaimPaid:
		return true
	}
	return false
}

// Outstanding reports whether a claim in this status counts as receivable:
// submitted to the payer and not yet paid.
func (s ClaimStatus) Outstanding() bool {
	return s == ClaimSubmitted || s == ClaimAccepted || s == ClaimDenied
}

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoicePending       InvoiceStatus = "pending"
	InvoiceSubmitted     InvoiceStatus = "submitted"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoicePending, InvoiceSubmitted, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodDebitCard    PaymentMethod = "debit_card"
	MethodCheck        PaymentMethod = "check"
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodACH          PaymentMethod = "ach"
	MethodOther        PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodCheck, MethodCash, MethodBankTransfer, MethodACH, MethodOther:
		return true
	}
	return false
}

// Claim maps to the claims table. Amounts are cents.
type Claim struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	TenantID      string      `db:"tenant_id" json:"tenantId"`
	PatientID     uuid.UUID   `db:"patient_id" json:"patientId"`
	ProviderID    uuid.UUID   `db:"provider_id" json:"providerId"`
	PayerID       uuid.UUID   `db:"payer_id" json:"payerId"`
	AppointmentID *uuid.UUID  `db:"appointment_id" json:"appointmentId,omitempty"`
	Status        ClaimStatus `db:"status" json:"status"`
	TotalCharges  int64       `db:"total_charges" json:"totalCharges"`
	ServiceDates  []time.Time `db:"service_dates" json:"serviceDates"`
	DenialReason  *string     `db:"denial_reason" json:"denialReason,omitempty"`
	ControlNumber string      `db:"control_number" json:"controlNumber"`
	InvoiceID     *uuid.UUID  `db:"invoice_id" json:"invoiceId,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updatedAt"`
}

// EarliestServiceDate falls back to the creation time for claims without
// service dates.
func (c *Claim) EarliestServiceDate() time.Time {
	if len(c.ServiceDates) == 0 {
		return c.CreatedAt
	}
	earliest := c.ServiceDates[0]
	for _, d := range c.ServiceDates[1:] {
		if d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}

// ClaimLineItem maps to the claim_line_items table. Line items are written
// with their claim and never modified.
type ClaimLineItem struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ClaimID        uuid.UUID `db:"claim_id" json:"claimId"`
	LineNumber     int       `db:"line_number" json:"lineNumber"`
	ProcedureCode  string    `db:"procedure_code" json:"procedureCode"`
	Modifiers      []string  `db:"modifiers" json:"modifiers"`
	DiagnosisCodes []string  `db:"diagnosis_codes" json:"diagnosisCodes"`
	Units          int       `db:"units" json:"units"`
	ChargeAmount   int64     `db:"charge_amount" json:"chargeAmount"`
}

func (li *ClaimLineItem) Total() int64 {
	return int64(li.Units) * li.ChargeAmount
}

// Invoice maps to the invoices table. PatientResponsibility and
// InsuranceResponsibility always sum to Amount.
type Invoice struct {
	ID                      uuid.UUID     `db:"id" json:"id"`
	TenantID                string        `db:"tenant_id" json:"tenantId"`
	PatientID               uuid.UUID     `db:"patient_id" json:"patientId"`
	ClaimID                 *uuid.UUID    `db:"claim_id" json:"claimId,omitempty"`
	InvoiceNumber           string        `db:"invoice_number" json:"invoiceNumber"`
	Amount                  int64         `db:"amount" json:"amount"`
	PatientResponsibility   int64         `db:"patient_responsibility" json:"patientResponsibility"`
	InsuranceResponsibility int64         `db:"insurance_responsibility" json:"insuranceResponsibility"`
	Status                  InvoiceStatus `db:"status" json:"status"`
	DueDate                 time.Time     `db:"due_date" json:"dueDate"`
	PaidDate                *time.Time    `db:"paid_date" json:"paidDate,omitempty"`
	CreatedAt               time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt               time.Time     `db:"updated_at" json:"updatedAt"`
}

// InsurancePayment maps to the insurance_payments ledger.
type InsurancePayment struct {
	ID               uuid.UUID `db:"id" json:"id"`
	TenantID         string    `db:"tenant_id" json:"tenantId"`
	ClaimID          uuid.UUID `db:"claim_id" json:"claimId"`
	Amount           int64     `db:"amount" json:"amount"`
	AdjustmentAmount int64     `db:"adjustment_amount" json:"adjustmentAmount"`
	CheckNumber      *string   `db:"check_number" json:"checkNumber,omitempty"`
	TransactionID    *string   `db:"transaction_id" json:"transactionId,omitempty"`
	PaidAt           time.Time `db:"paid_at" json:"paidAt"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// PatientPayment maps to the patient_payments ledger.
type PatientPayment struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	TenantID      string        `db:"tenant_id" json:"tenantId"`
	InvoiceID     uuid.UUID     `db:"invoice_id" json:"invoiceId"`
	PatientID     uuid.UUID     `db:"patient_id" json:"patientId"`
	Amount        int64         `db:"amount" json:"amount"`
	Method        PaymentMethod `db:"payment_method" json:"paymentMethod"`
	TransactionID *string       `db:"transaction_id" json:"transactionId,omitempty"`
	PaidAt        time.Time     `db:"paid_at" json:"paidAt"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
}

// Appointment is the slice of the scheduling record that billing consumes.
type Appointment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenantId"`
	PatientID   uuid.UUID `db:"patient_id" json:"patientId"`
	ProviderID  uuid.UUID `db:"provider_id" json:"providerId"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduledAt"`
	Status      string    `db:"status" json:"status"`
}

const AppointmentCompleted = "completed"

type Payer struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID string    `db:"tenant_id" json:"tenantId"`
	Name     string    `db:"name" json:"name"`
}

// ClaimDetail is the single read model shared by the clinic, provider and
// patient views of a claim.
type ClaimDetail struct {
	Claim             *Claim              `json:"claim"`
	LineItems         []*ClaimLineItem    `json:"lineItems"`
	InsurancePayments []*InsurancePayment `json:"insurancePayments"`
	Invoice           *Invoice            `json:"invoice,omitempty"`
	PatientPayments   []*PatientPayment   `json:"patientPayments"`
}
