package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when no row matches. Rows of other
// tenants never match.
var ErrNotFound = errors.New("not found")

// ClaimFilter narrows claim listings. TenantID is mandatory; nil fields are
// not applied. The date range applies to created_at, inclusive.
type ClaimFilter struct {
	TenantID    string
	Status      *ClaimStatus
	PayerID     *uuid.UUID
	ProviderID  *uuid.UUID
	PatientID   *uuid.UUID
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// InvoiceFilter narrows invoice listings. ProviderID keeps invoices linked to
// that provider's claims.
type InvoiceFilter struct {
	TenantID    string
	Status      *InvoiceStatus
	PatientID   *uuid.UUID
	ProviderID  *uuid.UUID
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ClaimRepository interface {
	// Create inserts the claim and its line items.
	Create(ctx context.Context, c *Claim, items []*ClaimLineItem) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Claim, error)
	// GetForUpdate locks the claim row for the rest of the transaction.
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Claim, error)
	UpdateStatus(ctx context.Context, c *Claim) error
	LinkInvoice(ctx context.Context, tenantID string, claimID, invoiceID uuid.UUID) error
	GetLineItems(ctx context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error)
	List(ctx context.Context, f ClaimFilter) ([]*Claim, error)
}

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error)
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error)
	// Update writes the derived fields: claim link, status and paid date.
	Update(ctx context.Context, inv *Invoice) error
	List(ctx context.Context, f InvoiceFilter) ([]*Invoice, error)
	// MarkOverdue flags pending/submitted invoices due before now.
	MarkOverdue(ctx context.Context, tenantID string, now time.Time) (int64, error)
}

// PaymentRepository is append-only.
type PaymentRepository interface {
	AddInsurance(ctx context.Context, p *InsurancePayment) error
	AddPatient(ctx context.Context, p *PatientPayment) error
	InsuranceTotal(ctx context.Context, claimID uuid.UUID) (int64, error)
	PatientTotal(ctx context.Context, invoiceID uuid.UUID) (int64, error)
	ListInsurance(ctx context.Context, tenantID string, claimIDs []uuid.UUID) ([]*InsurancePayment, error)
	ListPatient(ctx context.Context, invoiceID uuid.UUID) ([]*PatientPayment, error)
}

// ReferenceRepository reads the appointment and payer records owned by
// scheduling and the payer directory.
type ReferenceRepository interface {
	GetAppointment(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error)
	GetPayer(ctx context.Context, tenantID string, id uuid.UUID) (*Payer, error)
}
