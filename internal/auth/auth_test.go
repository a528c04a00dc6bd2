package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerVerify(t *testing.T) {
	mgr := NewManager(NewMemoryKeyStore())
	ctx := context.Background()

	require.NoError(t, mgr.Register(ctx, "key-1", "admin-alpha"))

	adminID, err := mgr.VerifyAdmin(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "admin-alpha", adminID)

	_, err = mgr.VerifyAdmin(ctx, "wrong-key")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = mgr.VerifyAdmin(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRevocationIsImmediate(t *testing.T) {
	mgr := NewManager(NewMemoryKeyStore())
	ctx := context.Background()

	require.NoError(t, mgr.Register(ctx, "key-1", "admin-alpha"))
	_, err := mgr.VerifyAdmin(ctx, "key-1")
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, "key-1"))

	// The very next verification must fail; nothing is cached.
	_, err = mgr.VerifyAdmin(ctx, "key-1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBootstrap(t *testing.T) {
	mgr := NewManager(NewMemoryKeyStore())
	ctx := context.Background()

	require.NoError(t, mgr.Bootstrap(ctx, "boot-secret", "admin-root"))
	// Bootstrapping again is a no-op, not an error.
	require.NoError(t, mgr.Bootstrap(ctx, "boot-secret", "admin-root"))
	// Empty secret configured: nothing registered.
	require.NoError(t, mgr.Bootstrap(ctx, "", "admin-root"))

	adminID, err := mgr.VerifyAdmin(ctx, "boot-secret")
	require.NoError(t, err)
	assert.Equal(t, "admin-root", adminID)
}

func TestRequireAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mgr := NewManager(NewMemoryKeyStore())
	require.NoError(t, mgr.Register(context.Background(), "key-1", "admin-alpha"))

	r := gin.New()
	r.GET("/admin/ping", RequireAdmin(mgr), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": c.GetString(ContextAdminID)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set(HeaderAdminKey, "key-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin-alpha")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer key-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "bearer form accepted")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
