package auth

import "context"

type contextKey string

const (
	contextKeyFamily  contextKey = "auth.family_id"
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
)

// Identity is the authenticated caller.
type Identity struct {
	Subject  string
	FamilyID string
	Role     Role
}

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, familyID string, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyFamily, familyID)
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// IdentityFromContext collects the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) Identity {
	return Identity{
		Subject:  SubjectFromContext(ctx),
		FamilyID: FamilyIDFromContext(ctx),
		Role:     RoleFromContext(ctx),
	}
}

// FamilyIDFromContext extracts the caller's family id from context.
func FamilyIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if familyID, ok := ctx.Value(contextKeyFamily).(string); ok {
		return familyID
	}
	return ""
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := NormalizeRole(role); valid {
			return normalized
		}
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if subject, ok := ctx.Value(contextKeySubject).(string); ok {
		return subject
	}
	return ""
}

// CanViewPatient reports whether the identity may read a patient's alarms.
// Patients see themselves, caregivers their family, admins everyone.
func (i Identity) CanViewPatient(patientID, patientFamilyID string) bool {
	switch i.Role {
	case RoleAdmin:
		return true
	case RoleCaregiver:
		return i.Subject == patientID || (i.FamilyID != "" && i.FamilyID == patientFamilyID)
	case RolePatient:
		return i.Subject == patientID
	default:
		return false
	}
}
