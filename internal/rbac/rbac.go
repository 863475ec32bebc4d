// Package rbac models the three capability levels of the content service.
package rbac

type Level int

type Action string

const (
	LevelAnonymous Level = iota
	LevelViewer
	LevelOwner
)

const (
	ActionRead        Action = "read"
	ActionComment     Action = "comment"
	ActionLike        Action = "like"
	ActionLinkProfile Action = "link-profile"
	ActionPublish     Action = "publish"
	ActionManageRoles Action = "manage-roles"
)

// Can is the single gate every operation goes through. Levels form a
// strict ladder: owner implies viewer, viewer implies anonymous.
func Can(level Level, action Action) bool {
	switch level {
	case LevelOwner:
		return true
	case LevelViewer:
		return action == ActionRead || action == ActionComment || action == ActionLike || action == ActionLinkProfile
	case LevelAnonymous:
		return action == ActionRead
	default:
		return false
	}
}

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelViewer:
		return "viewer"
	default:
		return "anonymous"
	}
}
