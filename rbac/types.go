// Package rbac answers "may the current actor do this?" from the access
// documents the backend issued at login: per-feature navigation flags and
// per-service permission grants.
package rbac

import "fmt"

// Action is the kind of operation being checked.
type Action string

const (
	ActionView    Action = "view"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
)

// ParseAction validates s.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionView, ActionEdit, ActionDelete, ActionApprove:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q (want view, edit, delete or approve)", s)
	}
}

// Feature is one navigable capability of the dashboard.
type Feature struct {
	Key       string `json:"key"`
	CanView   bool   `json:"canView"`
	CanEdit   bool   `json:"canEdit"`
	CanDelete bool   `json:"canDelete"`
}

// allows maps an action onto the feature's flags. Features have no approve
// flag.
func (f Feature) allows(a Action) bool {
	switch a {
	case ActionView:
		return f.CanView
	case ActionEdit:
		return f.CanEdit
	case ActionDelete:
		return f.CanDelete
	default:
		return false
	}
}

// NavigationAccess is the navigationAccess document.
type NavigationAccess struct {
	Features []Feature `json:"features"`
}

// Business verticals known to the dashboard.
const (
	ServiceFood     = "food"
	ServiceTravel   = "travel"
	ServiceShopping = "shopping"
	ServiceTickets  = "tickets"
	ServiceRides    = "rides"
)

// ServicePermission is one entry of the servicePermissions document.
// CanApprove is nil when the backend omits it.
type ServicePermission struct {
	ServiceType string `json:"service_type"`
	CanView     bool   `json:"can_view"`
	CanEdit     bool   `json:"can_edit"`
	CanDelete   bool   `json:"can_delete"`
	CanApprove  *bool  `json:"can_approve,omitempty"`
}

func (p ServicePermission) allows(a Action) bool {
	switch a {
	case ActionView:
		return p.CanView
	case ActionEdit:
		return p.CanEdit
	case ActionDelete:
		return p.CanDelete
	case ActionApprove:
		return p.CanApprove != nil && *p.CanApprove
	default:
		return false
	}
}
