package access

import (
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of directory roles.
type Role string

const (
	RoleClinicUser Role = "clinic_user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	RoleProvider   Role = "provider"
	RolePatient    Role = "patient"
)

// ClinicRoles may operate the clinic billing desk.
var ClinicRoles = []Role{RoleClinicUser, RoleAdmin, RoleSuperAdmin}

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleClinicUser, RoleAdmin, RoleSuperAdmin, RoleProvider, RolePatient:
		return r, true
	}
	return "", false
}

func (r Role) IsClinicStaff() bool {
	return r.In(ClinicRoles...)
}

func (r Role) In(roles ...Role) bool {
	for _, x := range roles {
		if r == x {
			return true
		}
	}
	return false
}

// User maps to the users table.
type User struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenantId"`
	Email     string    `db:"email" json:"email"`
	Role      Role      `db:"role" json:"role"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Provider maps to the providers table. Users with the provider role are
// linked to it by email.
type Provider struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID string    `db:"tenant_id" json:"tenantId"`
	Email    string    `db:"email" json:"email"`
	Name     string    `db:"name" json:"name"`
}

// Patient maps to the patients table.
type Patient struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID string    `db:"tenant_id" json:"tenantId"`
	Email    *string   `db:"email" json:"email,omitempty"`
}

// Caller is a resolved, authorized identity. ProviderID and PatientID are
// uuid.Nil unless the guard resolved the linked record.
type Caller struct {
	User       User
	ProviderID uuid.UUID
	PatientID  uuid.UUID
}

func (c *Caller) TenantID() string { return c.User.TenantID }

func (c *Caller) Role() Role { return c.User.Role }
