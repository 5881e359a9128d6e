package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/internal/relay"
	"keyrelay/internal/testhelpers"
)

func newTestAuthenticator(t *testing.T, allowPassthrough bool) *Authenticator {
	t.Helper()
	a, err := New("master-secret", allowPassthrough, testhelpers.NewTestLogger())
	require.NoError(t, err)
	return a
}

// captureHandler records whether it ran and what explicit key the request carried.
type captureHandler struct {
	called      bool
	explicitKey string
}

func (h *captureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.explicitKey = relay.ExplicitKeyFromContext(r.Context())
	w.WriteHeader(http.StatusOK)
}

func TestMiddleware_MasterKeySelectsPoolMode(t *testing.T) {
	a := newTestAuthenticator(t, false)
	capture := &captureHandler{}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer master-secret")
	rec := httptest.NewRecorder()
	a.Middleware(capture).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, capture.called)
	assert.Empty(t, capture.explicitKey)
}

func TestMiddleware_PassthroughKeyCarriedInContext(t *testing.T) {
	a := newTestAuthenticator(t, true)
	capture := &captureHandler{}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-client-own")
	rec := httptest.NewRecorder()
	a.Middleware(capture).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, capture.called)
	assert.Equal(t, "sk-client-own", capture.explicitKey)
}

func TestMiddleware_UnknownKeyRejectedWithoutPassthrough(t *testing.T) {
	a := newTestAuthenticator(t, false)
	capture := &captureHandler{}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-client-own")
	rec := httptest.NewRecorder()
	a.Middleware(capture).ServeHTTP(rec, req)

	testhelpers.AssertJSONErrorResponse(t, rec, http.StatusUnauthorized, "authentication_error")
	assert.False(t, capture.called)
}

func TestMiddleware_MissingBearerRejected(t *testing.T) {
	a := newTestAuthenticator(t, true)
	capture := &captureHandler{}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	rec := httptest.NewRecorder()
	a.Middleware(capture).ServeHTTP(rec, req)

	testhelpers.AssertJSONErrorResponse(t, rec, http.StatusUnauthorized, "authentication_error")
	assert.False(t, capture.called)
}

func TestMiddleware_MalformedAuthorizationRejected(t *testing.T) {
	a := newTestAuthenticator(t, true)
	capture := &captureHandler{}

	for _, header := range []string{"Basic dXNlcjpwYXNz", "Bearer ", "master-secret"} {
		req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		a.Middleware(capture).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
	assert.False(t, capture.called)
}

func TestMiddleware_VerdictIsCached(t *testing.T) {
	a := newTestAuthenticator(t, false)

	hashed := hashToken("master-secret")
	_, cached := a.cache.Get(hashed)
	assert.False(t, cached)

	capture := &captureHandler{}
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer master-secret")
	a.Middleware(capture).ServeHTTP(httptest.NewRecorder(), req)

	verdict, cached := a.cache.Get(hashed)
	assert.True(t, cached)
	assert.Equal(t, VerdictMaster, verdict)
}

func TestAdminMiddleware_MasterOnly(t *testing.T) {
	a := newTestAuthenticator(t, true)
	capture := &captureHandler{}
	handler := a.AdminMiddleware(capture)

	// Passthrough keys never reach admin operations
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer sk-client-own")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, capture.called)

	req = httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer master-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, capture.called)
}

func TestRelayExplicitKey_EmptyWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Empty(t, relay.ExplicitKeyFromContext(req.Context()))
}
