package domain

// UserID identifies a viewer authenticated by a gateway token.
type UserID string

type UserRole string

const (
	RoleViewer UserRole = "viewer"
	RoleAdmin  UserRole = "admin"
)

// Allows reports whether r grants at least the privileges of required.
func (r UserRole) Allows(required UserRole) bool {
	return roleLevel[r] >= roleLevel[required]
}

var roleLevel = map[UserRole]int{
	RoleViewer: 1,
	RoleAdmin:  2,
}

// Viewer is the identity attached to an authenticated request.
type Viewer struct {
	ID       UserID
	Username string
	Role     UserRole
}
