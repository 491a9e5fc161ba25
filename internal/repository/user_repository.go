package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/noah-isme/metislab-api/internal/models"
)

const userColumns = `id, email, password_hash, full_name, role, department, active, last_login, created_at, updated_at`

var userSortColumns = []string{"created_at", "email", "full_name", "role", "department", "last_login"}

// UserRepository stores accounts and the account audit log.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail matches case-insensitively. Missing accounts return sql.ErrNoRows.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "LOWER(email) = LOWER($1)", email)
}

// FindByID returns sql.ErrNoRows when the account does not exist.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *UserRepository) findOne(ctx context.Context, predicate string, arg interface{}) (*models.User, error) {
	query := fmt.Sprintf("SELECT %s FROM users WHERE %s LIMIT 1", userColumns, predicate)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find user (%s): %w", predicate, err)
	}
	return &user, nil
}

// UpdateLastLogin stamps a successful login.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, id, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// userWhere renders the filter as a WHERE clause with positional arguments.
func userWhere(filter models.UserFilter) (string, []interface{}) {
	clauses := []string{"1=1"}
	var args []interface{}
	bind := func(expr string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(expr, "?", fmt.Sprintf("$%d", len(args))))
	}

	if filter.Role != nil {
		bind("role = ?", *filter.Role)
	}
	if filter.Active != nil {
		bind("active = ?", *filter.Active)
	}
	if term := strings.TrimSpace(filter.Search); term != "" {
		bind("(LOWER(email) LIKE ? OR LOWER(full_name) LIKE ? OR LOWER(department) LIKE ?)", "%"+strings.ToLower(term)+"%")
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// List returns one page of accounts and the total matching the filter.
func (r *UserRepository) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	where, args := userWhere(filter)

	sortBy := lo.Ternary(lo.Contains(userSortColumns, filter.SortBy), filter.SortBy, "created_at")
	sortOrder := lo.Ternary(strings.EqualFold(filter.SortOrder, "asc"), "ASC", "DESC")
	page := lo.Max([]int{filter.Page, 1})
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	listQuery := fmt.Sprintf("SELECT %s FROM users %s ORDER BY %s %s, id LIMIT %d OFFSET %d",
		userColumns, where, sortBy, sortOrder, pageSize, (page-1)*pageSize)
	users := []models.User{}
	if err := r.db.SelectContext(ctx, &users, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM users "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	return users, total, nil
}

// Create inserts a new account, assigning an id when absent. The role is
// fixed from here on.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, email, password_hash, full_name, role, department, active, created_at, updated_at)
VALUES (:id, :email, :password_hash, :full_name, :role, :department, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SetActive flips the active flag. Role is never touched here.
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET active = $2, updated_at = $3 WHERE id = $1`, id, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("set user active rows: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateProfile rewrites the editable profile fields.
func (r *UserRepository) UpdateProfile(ctx context.Context, id, fullName, department string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET full_name = $2, department = $3, updated_at = $4 WHERE id = $1`,
		id, fullName, department, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update user profile rows: %w", err)
	} else if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type roleActiveCount struct {
	Role   models.UserRole `db:"role"`
	Active bool            `db:"active"`
	Count  int             `db:"n"`
}

// Counts summarises accounts by active flag and by role.
func (r *UserRepository) Counts(ctx context.Context) (models.UserCounts, error) {
	var rows []roleActiveCount
	if err := r.db.SelectContext(ctx, &rows, `SELECT role, active, COUNT(*) AS n FROM users GROUP BY role, active`); err != nil {
		return models.UserCounts{}, fmt.Errorf("count users: %w", err)
	}

	counts := models.UserCounts{ByRole: make(map[models.UserRole]int)}
	for _, row := range rows {
		counts.Total += row.Count
		counts.ByRole[row.Role] += row.Count
		if row.Active {
			counts.Active += row.Count
		} else {
			counts.Inactive += row.Count
		}
	}
	return counts, nil
}

// CreateAuditLog stores an account audit entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, old_values, new_values, ip_address, user_agent, created_at)
VALUES (:id, :user_id, :action, :resource, :resource_id, :old_values, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}
