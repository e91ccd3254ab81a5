// Package rbac maps the closed set of actor roles onto the operations they may
// perform. Authorization is decided once, at the boundary, from this table.
package rbac

import (
	"slices"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
)

// Permission names a guarded operation.
type Permission string

const (
	PermOrderCreate     Permission = "order:create"
	PermOrderRead       Permission = "order:read"
	PermOrderPay        Permission = "order:pay"
	PermOrderCancel     Permission = "order:cancel"
	PermOrderConfirm    Permission = "order:confirm"
	PermOrderShip       Permission = "order:ship"
	PermOrderDeliver    Permission = "order:deliver"
	PermDisputeRaise    Permission = "dispute:raise"
	PermDisputeEvidence Permission = "dispute:evidence"
	PermDisputeRead     Permission = "dispute:read"
	PermDisputeReview   Permission = "dispute:review"
	PermDisputeResolve  Permission = "dispute:resolve"
	PermEscrowRead      Permission = "escrow:read"
	PermEscrowRelease   Permission = "escrow:release"
	PermEscrowRefund    Permission = "escrow:refund"
	PermEscrowFreeze    Permission = "escrow:freeze"
	PermEscrowReconcile Permission = "escrow:reconcile"
	PermSettlementSweep Permission = "settlement:sweep"
	PermPaymentsIngest  Permission = "payments:ingest"
)

var partyPermissions = []Permission{
	PermOrderRead,
	PermDisputeRaise,
	PermDisputeEvidence,
	PermDisputeRead,
	PermEscrowRead,
}

var policy = map[enums.ActorRole][]Permission{
	enums.ActorRoleCustomer: append([]Permission{
		PermOrderCreate,
		PermOrderPay,
		PermOrderCancel,
		PermOrderDeliver,
	}, partyPermissions...),
	enums.ActorRoleDealer: append([]Permission{
		PermOrderCreate,
		PermOrderPay,
		PermOrderDeliver,
		PermOrderConfirm,
		PermOrderShip,
		PermOrderCancel,
	}, partyPermissions...),
	enums.ActorRoleManufacturer: append([]Permission{
		PermOrderConfirm,
		PermOrderShip,
	}, partyPermissions...),
	enums.ActorRoleAdmin: {
		PermOrderRead,
		PermOrderCancel,
		PermDisputeEvidence,
		PermDisputeRead,
		PermDisputeReview,
		PermDisputeResolve,
		PermEscrowRead,
		PermEscrowRelease,
		PermEscrowRefund,
		PermEscrowFreeze,
		PermEscrowReconcile,
		PermSettlementSweep,
	},
	enums.ActorRoleSystem: {
		PermOrderRead,
		PermOrderCancel,
		PermEscrowRead,
		PermEscrowRelease,
		PermEscrowReconcile,
		PermSettlementSweep,
		PermPaymentsIngest,
	},
}

// SystemActorID is the fixed identity recorded for scheduler and webhook writes.
var SystemActorID = uuid.MustParse("00000000-0000-0000-0000-00000000005e")

// Actor is an already-authenticated caller.
type Actor struct {
	ID   uuid.UUID
	Role enums.ActorRole
}

// System returns the actor used by background jobs.
func System() Actor {
	return Actor{ID: SystemActorID, Role: enums.ActorRoleSystem}
}

// IsAdmin reports whether the actor may perform manual interventions.
func (a Actor) IsAdmin() bool {
	return a.Role == enums.ActorRoleAdmin
}

// Validate checks the actor carries a known role and identity.
func (a Actor) Validate() error {
	if a.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "actor id is required")
	}
	if !a.Role.IsValid() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "actor role is not recognized").
			WithDetails(map[string]any{"role": a.Role})
	}
	return nil
}

// Allows reports whether role holds perm.
func Allows(role enums.ActorRole, perm Permission) bool {
	for _, granted := range policy[role] {
		if granted == perm {
			return true
		}
	}
	return false
}

// Granted lists the permissions of role in sorted order.
func Granted(role enums.ActorRole) []Permission {
	out := slices.Clone(policy[role])
	slices.Sort(out)
	return out
}

// Authorize returns a Forbidden error unless the actor holds perm.
func Authorize(actor Actor, perm Permission) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if !Allows(actor.Role, perm) {
		return pkgerrors.New(pkgerrors.CodeForbidden, "role not permitted for this operation").
			WithDetails(map[string]any{"role": actor.Role, "permission": perm})
	}
	return nil
}
