package booking

import "github.com/google/uuid"

// Access describes who may act on a resource.
type Access struct {
	// OwnerID is the professional owning the resource.
	OwnerID uuid.UUID
	// SubjectID is the patient the resource concerns. Zero when none.
	SubjectID uuid.UUID
	Roles     []Role
}

var (
	ownerOnly      = []Role{RoleProfessional}
	patientOnly    = []Role{RolePatient}
	ownerOrSubject = []Role{RoleProfessional, RolePatient}
)

// Authorize is the single policy check every Service operation goes through.
// A professional may only touch resources it owns, a patient only resources
// it is the subject of.
func Authorize(actor *Actor, access Access) error {
	if err := authenticated(actor); err != nil {
		return err
	}

	permitted := false
	for _, r := range access.Roles {
		if r == actor.Role {
			permitted = true
			break
		}
	}
	if !permitted {
		return Errorf(ErrForbidden, "role %s may not perform this operation", actor.Role)
	}

	switch actor.Role {
	case RoleProfessional:
		if access.OwnerID == uuid.Nil || actor.ID != access.OwnerID {
			return ErrForbidden
		}
	case RolePatient:
		if access.SubjectID == uuid.Nil || actor.ID != access.SubjectID {
			return ErrForbidden
		}
	}
	return nil
}

func authenticated(actor *Actor) error {
	if actor == nil || actor.ID == uuid.Nil || !actor.Role.Valid() {
		return ErrNotAuthenticated
	}
	return nil
}
