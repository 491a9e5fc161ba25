package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/metislab-api/internal/dto"
	"github.com/noah-isme/metislab-api/internal/models"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdateProfile(ctx context.Context, id, fullName, department string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// UserService administers accounts. A role is chosen once at creation and
// never changes, so the workflow can trust the role carried in tokens.
type UserService struct {
	repo      userRepository
	validator *validator.Validate
	cache     *CacheService
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, validate *validator.Validate, cache *CacheService, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, validator: validate, cache: cache, logger: logger}
}

// List returns one page of accounts.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	if filter.Role != nil && !filter.Role.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown role")
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	return users, models.NewPagination(filter.Page, filter.PageSize, total), nil
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, userLookupError(err, "failed to load user")
	}
	return user, nil
}

// Create registers an account with its permanent role on behalf of an admin.
func (s *UserService) Create(ctx context.Context, req dto.CreateUserRequest, actorID string, meta models.RequestMeta) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid create user payload")
	}
	user, err := s.open(ctx, newAccount{
		email:      req.Email,
		fullName:   req.FullName,
		role:       req.Role,
		department: req.Department,
		active:     req.Active,
		password:   req.Password,
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, accountChange{
		action:  models.AuditActionUserCreate,
		actorID: actorID,
		target:  user.ID,
		after:   map[string]interface{}{"email": user.Email, "role": user.Role, "active": user.Active},
		meta:    meta,
	})
	return user, nil
}

// Register opens an active requester account for the caller. Staff roles are
// only ever assigned by an admin through Create.
func (s *UserService) Register(ctx context.Context, req dto.RegisterRequest, meta models.RequestMeta) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	user, err := s.open(ctx, newAccount{
		email:      req.Email,
		fullName:   req.FullName,
		role:       req.Role,
		department: req.Department,
		active:     true,
		password:   req.Password,
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, accountChange{
		action:  models.AuditActionUserRegister,
		actorID: user.ID,
		target:  user.ID,
		after:   map[string]interface{}{"email": user.Email, "role": user.Role},
		meta:    meta,
	})
	s.logger.Info("account registered", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return user, nil
}

// Update edits the profile of an account. Role and active flag are not
// editable here.
func (s *UserService) Update(ctx context.Context, id string, req dto.UpdateUserRequest, actorID string, meta models.RequestMeta) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update user payload")
	}
	if req.FullName == nil && req.Department == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "nothing to update")
	}

	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := map[string]interface{}{"full_name": user.FullName, "department": user.Department}
	if req.FullName != nil {
		user.FullName = strings.TrimSpace(*req.FullName)
	}
	if req.Department != nil {
		user.Department = strings.TrimSpace(*req.Department)
	}
	if user.FullName == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "full_name cannot be blank")
	}

	if err := s.repo.UpdateProfile(ctx, id, user.FullName, user.Department); err != nil {
		return nil, userLookupError(err, "failed to update user")
	}
	s.record(ctx, accountChange{
		action:  models.AuditActionUserUpdate,
		actorID: actorID,
		target:  user.ID,
		before:  before,
		after:   map[string]interface{}{"full_name": user.FullName, "department": user.Department},
		meta:    meta,
	})
	return user, nil
}

type newAccount struct {
	email      string
	fullName   string
	role       models.UserRole
	department string
	active     bool
	password   string
}

// open hashes the password and stores the account once the email is known
// to be free.
func (s *UserService) open(ctx context.Context, acc newAccount) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(acc.email))
	switch _, err := s.repo.FindByEmail(ctx, email); {
	case err == nil:
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already exists")
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email uniqueness")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(acc.password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     strings.TrimSpace(acc.fullName),
		Role:         acc.role,
		Department:   strings.TrimSpace(acc.department),
		Active:       acc.active,
		PasswordHash: string(hash),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}
	return user, nil
}

// ToggleStatus flips an account between active and inactive. Nobody may
// deactivate their own account or the last active admin.
func (s *UserService) ToggleStatus(ctx context.Context, id string, actorID string, meta models.RequestMeta) (*models.User, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Active {
		if err := s.guardDeactivation(ctx, user, actorID); err != nil {
			return nil, err
		}
	}

	next := !user.Active
	if err := s.repo.SetActive(ctx, id, next); err != nil {
		return nil, userLookupError(err, "failed to update user status")
	}

	action := models.AuditActionUserDeactivate
	if next {
		action = models.AuditActionUserActivate
	}
	s.record(ctx, accountChange{
		action:  action,
		actorID: actorID,
		target:  user.ID,
		before:  map[string]interface{}{"active": user.Active},
		after:   map[string]interface{}{"active": next},
		meta:    meta,
	})

	user.Active = next
	return user, nil
}

func (s *UserService) guardDeactivation(ctx context.Context, user *models.User, actorID string) error {
	if user.ID == actorID {
		return appErrors.Clone(appErrors.ErrForbidden, "you cannot deactivate your own account")
	}
	if user.Role != models.RoleAdmin {
		return nil
	}
	role, active := models.RoleAdmin, true
	_, admins, err := s.repo.List(ctx, models.UserFilter{Role: &role, Active: &active, Page: 1, PageSize: 1})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count admins")
	}
	if admins <= 1 {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "the last active admin cannot be deactivated")
	}
	return nil
}

type accountChange struct {
	action  string
	actorID string
	target  string
	before  map[string]interface{}
	after   map[string]interface{}
	meta    models.RequestMeta
}

// record writes the audit entry and drops cached dashboards, whose user
// counts are now stale. Audit failures are logged, not returned.
func (s *UserService) record(ctx context.Context, change accountChange) {
	entry := &models.AuditLog{
		UserID:     &change.actorID,
		Action:     change.action,
		Resource:   "users",
		ResourceID: &change.target,
		IPAddress:  change.meta.IP,
		UserAgent:  change.meta.UserAgent,
	}
	if change.before != nil {
		entry.OldValues, _ = json.Marshal(change.before)
	}
	if change.after != nil {
		entry.NewValues, _ = json.Marshal(change.after)
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", change.action), zap.String("target", change.target), zap.Error(err))
	}
	s.cache.InvalidateDashboards(ctx)
}

func userLookupError(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "user not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
