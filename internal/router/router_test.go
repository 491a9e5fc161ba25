package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/metislab-api/internal/handler"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/pkg/config"
	appErrors "github.com/noah-isme/metislab-api/pkg/errors"
)

type staticTokens map[string]*models.JWTClaims

func (s staticTokens) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := s[token]; ok {
		return claims, nil
	}
	return nil, appErrors.ErrUnauthorized
}

func newTestEngine(env string) *gin.Engine {
	return engineFor(&config.Config{Env: env, APIPrefix: "/api/v1", SelfRegistration: true})
}

func engineFor(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	tokens := staticTokens{
		"student": {UserID: "s1", Role: models.RoleStudent},
		"hod":     {UserID: "h1", Role: models.RoleHOD},
	}
	return New(Deps{Config: cfg, Tokens: tokens}, Handlers{
		Auth:      handler.NewAuthHandler(nil),
		Users:     handler.NewUserHandler(nil),
		Requests:  handler.NewRequestHandler(nil, nil, nil),
		Approvals: handler.NewApprovalHandler(nil),
		Dashboard: handler.NewDashboardHandler(nil, 0),
		Events:    handler.NewEventHandler(nil, nil, 0),
		Ops:       handler.NewMetricsHandler(nil, nil),
	})
}

func do(r *gin.Engine, method, target, token string) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestRouterOpsEndpoints(t *testing.T) {
	r := newTestEngine(config.EnvDevelopment)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ready", ""))
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/metrics", ""))
	assert.NotEqual(t, http.StatusNotFound, do(r, http.MethodGet, "/docs/index.html", ""))

	prod := newTestEngine(config.EnvProduction)
	assert.Equal(t, http.StatusNotFound, do(prod, http.MethodGet, "/docs/index.html", ""))
	gin.SetMode(gin.TestMode)
}

func TestRouterRequiresAuthentication(t *testing.T) {
	r := newTestEngine(config.EnvDevelopment)

	for _, route := range [][2]string{
		{http.MethodGet, "/api/v1/dashboard"},
		{http.MethodGet, "/api/v1/requests"},
		{http.MethodPost, "/api/v1/requests/1/approve"},
		{http.MethodGet, "/api/v1/requests/1/timeline.pdf"},
		{http.MethodGet, "/api/v1/requests/1/authorize?action=approve"},
		{http.MethodPut, "/api/v1/users/u1"},
		{http.MethodGet, "/api/v1/users"},
		{http.MethodGet, "/api/v1/events"},
	} {
		assert.Equal(t, http.StatusUnauthorized, do(r, route[0], route[1], ""), route[1])
	}
}

func TestRouterRoleGates(t *testing.T) {
	r := newTestEngine(config.EnvDevelopment)

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/users", "hod"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPut, "/api/v1/users/u1", "hod"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/requests/all", "hod"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/requests/rejected", "student"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/requests/stage/hod", "student"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/v1/requests", "hod"))
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPut, "/api/v1/requests/3", "hod"))
}

func TestRouterStaticSegmentsBeatIDParam(t *testing.T) {
	r := newTestEngine(config.EnvDevelopment)

	// "all" would be a 400 from the id parser if it matched /requests/:id.
	code := do(r, http.MethodGet, "/api/v1/requests/all", "student")
	require.NotEqual(t, http.StatusBadRequest, code)
	assert.Equal(t, http.StatusForbidden, code)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/requests/abc", "student"))
}

func TestRouterEventStreamWithoutFeed(t *testing.T) {
	r := newTestEngine(config.EnvDevelopment)

	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/api/v1/events?access_token=student", ""))
}

func TestRouterSelfRegistrationToggle(t *testing.T) {
	r := newTestEngine(config.EnvDevelopment)
	// An empty body fails binding, which proves the route is mounted and public.
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/auth/register", ""))

	closed := engineFor(&config.Config{Env: config.EnvDevelopment, APIPrefix: "/api/v1"})
	assert.Equal(t, http.StatusNotFound, do(closed, http.MethodPost, "/api/v1/auth/register", ""))
}
