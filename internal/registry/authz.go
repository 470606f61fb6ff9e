package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Roles is the set of relationships a caller has with one asset.
type Roles uint8

const (
	RoleOwner Roles = 1 << iota
	RoleOperator
	RoleLessee

	RoleNone Roles = 0
)

// Role masks accepted by each operation.
const (
	canBurn     = RoleOwner | RoleOperator
	canLease    = RoleOwner | RoleOperator
	canSublease = RoleOwner | RoleOperator | RoleLessee
)

// Has reports whether every role in mask is present.
func (r Roles) Has(mask Roles) bool { return r&mask == mask }

// Any reports whether at least one role in mask is present.
func (r Roles) Any(mask Roles) bool { return r&mask != 0 }

func (r Roles) String() string {
	if r == RoleNone {
		return "none"
	}
	var parts []string
	if r.Has(RoleOwner) {
		parts = append(parts, "owner")
	}
	if r.Has(RoleOperator) {
		parts = append(parts, "operator")
	}
	if r.Has(RoleLessee) {
		parts = append(parts, "lessee")
	}
	return strings.Join(parts, ",")
}

// Names returns the role names, used in JSON payloads.
func (r Roles) Names() []string {
	if r == RoleNone {
		return []string{}
	}
	return strings.Split(r.String(), ",")
}

// resolveRoles computes the caller's roles from already loaded state.
// A lessee only counts while its lease is active at now.
func resolveRoles(caller common.Address, asset Asset, approved bool, current Lease, now int64) Roles {
	var roles Roles
	if caller == asset.Owner {
		roles |= RoleOwner
	}
	if approved {
		roles |= RoleOperator
	}
	if current.Active(now) && current.Holder == caller {
		roles |= RoleLessee
	}
	return roles
}

// ValidAddress reports whether addr can own, operate or hold a lease.
func ValidAddress(addr common.Address) bool {
	return addr != (common.Address{})
}
