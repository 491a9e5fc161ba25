package models

import "time"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleStudent      UserRole = "student"
	RoleFaculty      UserRole = "faculty"
	RoleExternal     UserRole = "external"
	RoleProjectGuide UserRole = "project_guide"
	RoleHOD          UserRole = "hod"
	RoleITServices   UserRole = "it_services"
	RoleAdmin        UserRole = "admin"
)

// RequesterRoles may submit access requests.
var RequesterRoles = []UserRole{RoleStudent, RoleFaculty, RoleExternal}

// StaffRoles act on access requests.
var StaffRoles = []UserRole{RoleProjectGuide, RoleHOD, RoleITServices, RoleAdmin}

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleExternal, RoleProjectGuide, RoleHOD, RoleITServices, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether r belongs to the approval chain.
func (r UserRole) IsStaff() bool {
	switch r {
	case RoleProjectGuide, RoleHOD, RoleITServices, RoleAdmin:
		return true
	}
	return false
}

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	Department   string     `db:"department" json:"department,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Info is the public projection of the account used in token responses.
func (u *User) Info() UserInfo {
	return UserInfo{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role}
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *UserRole
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// UserCounts summarises accounts for the admin dashboard.
type UserCounts struct {
	Total    int              `json:"total"`
	Active   int              `json:"active"`
	Inactive int              `json:"inactive"`
	ByRole   map[UserRole]int `json:"by_role,omitempty"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

// NewPagination derives the page count from the total.
func NewPagination(page, pageSize, total int) *Pagination {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	pages := total / pageSize
	if total%pageSize != 0 {
		pages++
	}
	return &Pagination{Page: page, PageSize: pageSize, TotalCount: total, TotalPages: pages}
}
