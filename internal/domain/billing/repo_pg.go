package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zenthea/rcm/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgConn picks the active transaction, then the request connection, then the
// pool.
type pgConn struct{ pool queryable }

func (p pgConn) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// whereBuilder accumulates AND-ed predicates with positional args.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) String() string {
	return strings.Join(w.clauses, " AND ")
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pgConn }

func NewClaimRepoPG(pool queryable) ClaimRepository { return &claimRepoPG{pgConn{pool}} }

const claimCols = `id, tenant_id, patient_id, provider_id, payer_id, appointment_id,
	status, total_charges, service_dates, denial_reason, control_number, invoice_id,
	created_at, updated_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	var status string
	err := row.Scan(&c.ID, &c.TenantID, &c.PatientID, &c.ProviderID, &c.PayerID, &c.AppointmentID,
		&status, &c.TotalCharges, &c.ServiceDates, &c.DenialReason, &c.ControlNumber, &c.InvoiceID,
		&c.CreatedAt, &c.UpdatedAt)
	c.Status = ClaimStatus(status)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim, items []*ClaimLineItem) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	q := r.conn(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO claims (id, tenant_id, patient_id, provider_id, payer_id, appointment_id,
			status, total_charges, service_dates, denial_reason, control_number, invoice_id,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.TenantID, c.PatientID, c.ProviderID, c.PayerID, c.AppointmentID,
		string(c.Status), c.TotalCharges, c.ServiceDates, c.DenialReason, c.ControlNumber, c.InvoiceID,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	for i, li := range items {
		if li.ID == uuid.Nil {
			li.ID = uuid.New()
		}
		li.ClaimID = c.ID
		li.LineNumber = i + 1
		_, err := q.Exec(ctx, `
			INSERT INTO claim_line_items (id, claim_id, tenant_id, line_number, procedure_code,
				modifiers, diagnosis_codes, units, charge_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			li.ID, c.ID, c.TenantID, li.LineNumber, li.ProcedureCode,
			li.Modifiers, li.DiagnosisCodes, li.Units, li.ChargeAmount)
		if err != nil {
			return fmt.Errorf("insert claim line %d: %w", li.LineNumber, err)
		}
	}
	return nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claims WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *claimRepoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Claim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx,
		`SELECT `+claimCols+` FROM claims WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *claimRepoPG) UpdateStatus(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claims SET status = $3, denial_reason = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2`,
		c.TenantID, c.ID, string(c.Status), c.DenialReason, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) LinkInvoice(ctx context.Context, tenantID string, claimID, invoiceID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claims SET invoice_id = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, claimID, invoiceID)
	if err != nil {
		return fmt.Errorf("link invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *claimRepoPG) GetLineItems(ctx context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, line_number, procedure_code, modifiers, diagnosis_codes, units, charge_amount
		FROM claim_line_items WHERE claim_id = $1 ORDER BY line_number`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ClaimLineItem
	for rows.Next() {
		var li ClaimLineItem
		if err := rows.Scan(&li.ID, &li.ClaimID, &li.LineNumber, &li.ProcedureCode,
			&li.Modifiers, &li.DiagnosisCodes, &li.Units, &li.ChargeAmount); err != nil {
			return nil, err
		}
		items = append(items, &li)
	}
	return items, rows.Err()
}

func (r *claimRepoPG) List(ctx context.Context, f ClaimFilter) ([]*Claim, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", f.TenantID)
	if f.Status != nil {
		w.add("status = $%d", string(*f.Status))
	}
	if f.PayerID != nil {
		w.add("payer_id = $%d", *f.PayerID)
	}
	if f.ProviderID != nil {
		w.add("provider_id = $%d", *f.ProviderID)
	}
	if f.PatientID != nil {
		w.add("patient_id = $%d", *f.PatientID)
	}
	if f.CreatedFrom != nil {
		w.add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		w.add("created_at <= $%d", *f.CreatedTo)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+claimCols+` FROM claims WHERE `+w.String()+` ORDER BY created_at DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claims []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pgConn }

func NewInvoiceRepoPG(pool queryable) InvoiceRepository { return &invoiceRepoPG{pgConn{pool}} }

const invoiceCols = `id, tenant_id, patient_id, claim_id, invoice_number, amount,
	patient_responsibility, insurance_responsibility, status, due_date, paid_date,
	created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.PatientID, &inv.ClaimID, &inv.InvoiceNumber, &inv.Amount,
		&inv.PatientResponsibility, &inv.InsuranceResponsibility, &status, &inv.DueDate, &inv.PaidDate,
		&inv.CreatedAt, &inv.UpdatedAt)
	inv.Status = InvoiceStatus(status)
	return &inv, err
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoices (id, tenant_id, patient_id, claim_id, invoice_number, amount,
			patient_responsibility, insurance_responsibility, status, due_date, paid_date,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		inv.ID, inv.TenantID, inv.PatientID, inv.ClaimID, inv.InvoiceNumber, inv.Amount,
		inv.PatientResponsibility, inv.InsuranceResponsibility, string(inv.Status), inv.DueDate, inv.PaidDate,
		inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET claim_id = $3, status = $4, paid_date = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2`,
		inv.TenantID, inv.ID, inv.ClaimID, string(inv.Status), inv.PaidDate, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) List(ctx context.Context, f InvoiceFilter) ([]*Invoice, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", f.TenantID)
	if f.Status != nil {
		w.add("status = $%d", string(*f.Status))
	}
	if f.PatientID != nil {
		w.add("patient_id = $%d", *f.PatientID)
	}
	if f.ProviderID != nil {
		w.add("claim_id IN (SELECT id FROM claims WHERE provider_id = $%d)", *f.ProviderID)
	}
	if f.CreatedFrom != nil {
		w.add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		w.add("created_at <= $%d", *f.CreatedTo)
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE `+w.String()+` ORDER BY created_at DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (r *invoiceRepoPG) MarkOverdue(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET status = 'overdue', updated_at = $2
		WHERE tenant_id = $1 AND status IN ('pending', 'submitted') AND due_date < $2`,
		tenantID, now)
	if err != nil {
		return 0, fmt.Errorf("mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgConn }

func NewPaymentRepoPG(pool queryable) PaymentRepository { return &paymentRepoPG{pgConn{pool}} }

func (r *paymentRepoPG) AddInsurance(ctx context.Context, p *InsurancePayment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_payments (id, tenant_id, claim_id, amount, adjustment_amount,
			check_number, transaction_id, paid_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.TenantID, p.ClaimID, p.Amount, p.AdjustmentAmount,
		p.CheckNumber, p.TransactionID, p.PaidAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert insurance payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) AddPatient(ctx context.Context, p *PatientPayment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_payments (id, tenant_id, invoice_id, patient_id, amount,
			payment_method, transaction_id, paid_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.TenantID, p.InvoiceID, p.PatientID, p.Amount,
		string(p.Method), p.TransactionID, p.PaidAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert patient payment: %w", err)
	}
	return nil
}

func (r *paymentRepoPG) InsuranceTotal(ctx context.Context, claimID uuid.UUID) (int64, error) {
	var total int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM insurance_payments WHERE claim_id = $1`, claimID).
		Scan(&total)
	return total, err
}

func (r *paymentRepoPG) PatientTotal(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	var total int64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::bigint FROM patient_payments WHERE invoice_id = $1`, invoiceID).
		Scan(&total)
	return total, err
}

func (r *paymentRepoPG) ListInsurance(ctx context.Context, tenantID string, claimIDs []uuid.UUID) ([]*InsurancePayment, error) {
	if len(claimIDs) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, claim_id, amount, adjustment_amount, check_number, transaction_id,
			paid_at, created_at
		FROM insurance_payments WHERE tenant_id = $1 AND claim_id = ANY($2)
		ORDER BY paid_at`, tenantID, claimIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []*InsurancePayment
	for rows.Next() {
		var p InsurancePayment
		if err := rows.Scan(&p.ID, &p.TenantID, &p.ClaimID, &p.Amount, &p.AdjustmentAmount,
			&p.CheckNumber, &p.TransactionID, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

func (r *paymentRepoPG) ListPatient(ctx context.Context, invoiceID uuid.UUID) ([]*PatientPayment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, invoice_id, patient_id, amount, payment_method, transaction_id,
			paid_at, created_at
		FROM patient_payments WHERE invoice_id = $1 ORDER BY paid_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []*PatientPayment
	for rows.Next() {
		var p PatientPayment
		var method string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.InvoiceID, &p.PatientID, &p.Amount, &method,
			&p.TransactionID, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Method = PaymentMethod(method)
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// =========== Reference Repository ===========

type referenceRepoPG struct{ pgConn }

func NewReferenceRepoPG(pool queryable) ReferenceRepository { return &referenceRepoPG{pgConn{pool}} }

func (r *referenceRepoPG) GetAppointment(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	var a Appointment
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, tenant_id, patient_id, provider_id, scheduled_at, status
		FROM appointments WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&a.ID, &a.TenantID, &a.PatientID, &a.ProviderID, &a.ScheduledAt, &a.Status)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *referenceRepoPG) GetPayer(ctx context.Context, tenantID string, id uuid.UUID) (*Payer, error) {
	var p Payer
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, tenant_id, name FROM payers WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
