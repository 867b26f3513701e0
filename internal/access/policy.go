// Package access provides capability checks for hatim actions. Decisions are
// computed from the aggregate passed in and never cached.
package access

import (
	"github.com/google/uuid"

	"github.com/hatim-circle/backend/internal/models"
)

// Capability names what a caller is allowed to do.
type Capability int

const (
	// CapabilityAdmin allows managing membership and status of a hatim.
	CapabilityAdmin Capability = iota + 1
	// CapabilityPartOwner allows releasing or deleting a part.
	CapabilityPartOwner
	// CapabilityClaim allows claiming a juz in a hatim.
	CapabilityClaim
	// CapabilityView allows reading a hatim.
	CapabilityView
)

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed    bool
	Capability Capability
	Reason     string
}

// IsAdmin reports whether caller owns the hatim.
func IsAdmin(h *models.Hatim, caller uuid.UUID) Decision {
	if h != nil && h.AdminID == caller {
		return Decision{Allowed: true, Capability: CapabilityAdmin}
	}
	return Decision{Capability: CapabilityAdmin, Reason: "only the hatim admin can perform this action"}
}

// IsOwnerOrAdmin reports whether caller holds the part or administers its hatim.
func IsOwnerOrAdmin(p *models.Part, h *models.Hatim, caller uuid.UUID) Decision {
	if p != nil && p.HeldBy(caller) {
		return Decision{Allowed: true, Capability: CapabilityPartOwner}
	}
	if IsAdmin(h, caller).Allowed {
		return Decision{Allowed: true, Capability: CapabilityPartOwner}
	}
	return Decision{Capability: CapabilityPartOwner, Reason: "only the part holder or the hatim admin can perform this action"}
}

// CanClaim reports whether caller may take a juz in the hatim.
func CanClaim(h *models.Hatim, caller uuid.UUID) Decision {
	if IsAdmin(h, caller).Allowed || (h != nil && h.HasParticipant(caller)) {
		return Decision{Allowed: true, Capability: CapabilityClaim}
	}
	return Decision{Capability: CapabilityClaim, Reason: "only participants can claim a juz"}
}

// CanView reports whether caller may read the hatim. Private hatims are
// visible to their admin and participants only; uuid.Nil is an anonymous caller.
func CanView(h *models.Hatim, caller uuid.UUID) Decision {
	if h == nil {
		return Decision{Capability: CapabilityView, Reason: "hatim not found"}
	}
	if !h.IsPrivate || (caller != uuid.Nil && (h.AdminID == caller || h.HasParticipant(caller))) {
		return Decision{Allowed: true, Capability: CapabilityView}
	}
	return Decision{Capability: CapabilityView, Reason: "hatim is private"}
}
