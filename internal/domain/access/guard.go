package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zenthea/rcm/internal/platform/apperr"
)

// Requirement declares what an operation accepts. Zero fields are not checked.
type Requirement struct {
	// TenantID is the tenant the operation targets.
	TenantID string
	// Roles lists the roles allowed through; RoleMessage is the denial text.
	Roles       []Role
	RoleMessage string
	// Provider resolves the caller's linked provider record.
	Provider bool
	// PatientID is the patient whose billing data is being touched. Patients
	// must own it; clinic staff must share its tenant.
	PatientID uuid.UUID
}

// DenialObserver receives the kind of every failed authorization.
type DenialObserver interface {
	ObserveDenial(kind string)
}

// Guard resolves callers against the Directory and enforces Requirements.
// It only reads.
type Guard struct {
	dir      Directory
	observer DenialObserver
}

func NewGuard(dir Directory) *Guard {
	return &Guard{dir: dir}
}

func (g *Guard) SetObserver(o DenialObserver) {
	g.observer = o
}

// Authorize is the single dispatch point every billing operation goes through.
func (g *Guard) Authorize(ctx context.Context, email string, req Requirement) (*Caller, error) {
	caller, err := g.authorize(ctx, email, req)
	if err != nil && g.observer != nil {
		if kind := apperr.KindOf(err); kind != apperr.KindInternal {
			g.observer.ObserveDenial(kind.Code())
		}
	}
	return caller, err
}

func (g *Guard) authorize(ctx context.Context, email string, req Requirement) (*Caller, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.AuthenticationRequired()
	}

	user, err := g.dir.UserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) || (err == nil && !user.Active) {
		return nil, apperr.AuthenticationRequired()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	caller := &Caller{User: *user}

	if req.TenantID != "" && user.TenantID != req.TenantID {
		return nil, apperr.TenantMismatch()
	}

	if len(req.Roles) > 0 && !user.Role.In(req.Roles...) {
		msg := req.RoleMessage
		if msg == "" {
			msg = "role not permitted for this operation"
		}
		return nil, apperr.RoleNotAuthorized("%s", msg)
	}

	if req.Provider {
		p, err := g.dir.ProviderByEmail(ctx, user.TenantID, email)
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("Provider profile")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve provider: %w", err)
		}
		caller.ProviderID = p.ID
	}

	if req.PatientID != uuid.Nil {
		if err := g.checkPatient(ctx, caller, email, req.PatientID); err != nil {
			return nil, err
		}
	}
	return caller, nil
}

func (g *Guard) checkPatient(ctx context.Context, caller *Caller, email string, target uuid.UUID) error {
	switch role := caller.User.Role; {
	case role == RolePatient:
		p, err := g.dir.PatientByEmail(ctx, caller.User.TenantID, email)
		if errors.Is(err, ErrNotFound) {
			return apperr.PermissionDenied("view billing for this patient profile")
		}
		if err != nil {
			return fmt.Errorf("resolve patient: %w", err)
		}
		if p.ID != target {
			return apperr.PermissionDenied("view or pay invoices other than your own")
		}
		caller.PatientID = p.ID
		return nil

	case role.IsClinicStaff():
		p, err := g.dir.PatientByID(ctx, target)
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("Patient")
		}
		if err != nil {
			return fmt.Errorf("resolve patient: %w", err)
		}
		// another tenant's patient is reported exactly like a missing one
		if p.TenantID != caller.User.TenantID {
			return apperr.NotFound("Patient")
		}
		return nil

	default:
		return apperr.PermissionDenied("view patient invoices")
	}
}

// VerifyTenantAccess resolves the caller and checks tenant membership.
func (g *Guard) VerifyTenantAccess(ctx context.Context, email, tenantID string) (*Caller, error) {
	return g.Authorize(ctx, email, Requirement{TenantID: tenantID})
}

// VerifyClinicBillingAccess additionally requires a clinic staff role.
func (g *Guard) VerifyClinicBillingAccess(ctx context.Context, email, tenantID string) (*Caller, error) {
	return g.Authorize(ctx, email, Requirement{
		TenantID:    tenantID,
		Roles:       ClinicRoles,
		RoleMessage: "Only clinic users can access billing",
	})
}

// VerifyProviderBillingAccess requires the provider role and a linked
// provider record, whose id scopes every provider query.
func (g *Guard) VerifyProviderBillingAccess(ctx context.Context, email, tenantID string) (*Caller, error) {
	return g.Authorize(ctx, email, Requirement{
		TenantID:    tenantID,
		Roles:       []Role{RoleProvider},
		RoleMessage: "Only providers can access provider billing",
		Provider:    true,
	})
}

// VerifyPatientBillingAccess lets a patient reach their own records and
// clinic staff reach patients of their tenant.
func (g *Guard) VerifyPatientBillingAccess(ctx context.Context, email string, patientID uuid.UUID) (*Caller, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient id is required")
	}
	return g.Authorize(ctx, email, Requirement{PatientID: patientID})
}
