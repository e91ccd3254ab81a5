package enums

import "fmt"

// ActorRole is the closed set of identities allowed to drive the settlement engine.
type ActorRole string

const (
	ActorRoleCustomer     ActorRole = "CUSTOMER"
	ActorRoleDealer       ActorRole = "DEALER"
	ActorRoleManufacturer ActorRole = "MANUFACTURER"
	ActorRoleAdmin        ActorRole = "ADMIN"
	ActorRoleSystem       ActorRole = "SYSTEM"
)

var validActorRoles = []ActorRole{
	ActorRoleCustomer,
	ActorRoleDealer,
	ActorRoleManufacturer,
	ActorRoleAdmin,
	ActorRoleSystem,
}

// String implements fmt.Stringer.
func (r ActorRole) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ActorRole.
func (r ActorRole) IsValid() bool {
	for _, candidate := range validActorRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// CanRaiseDispute reports whether the role is a marketplace party to the order.
func (r ActorRole) CanRaiseDispute() bool {
	switch r {
	case ActorRoleCustomer, ActorRoleDealer, ActorRoleManufacturer:
		return true
	default:
		return false
	}
}

// ParseActorRole converts raw input into an ActorRole.
func ParseActorRole(value string) (ActorRole, error) {
	for _, candidate := range validActorRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor role %q", value)
}
