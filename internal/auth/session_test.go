package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/escudo/internal/api"
	"github.com/hitushen/escudo/internal/api/apitest"
)

type memTokens struct {
	token   string
	saves   int
	clears  int
	saveErr error
}

func (m *memTokens) LoadToken() (string, error) { return m.token, nil }

func (m *memTokens) SaveToken(token string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.token = token
	return nil
}

func (m *memTokens) ClearToken() error {
	m.clears++
	m.token = ""
	return nil
}

func newTestSession(t *testing.T, tokens TokenStore) (*Session, *apitest.Backend) {
	t.Helper()
	backend := apitest.New(t)
	base, err := api.New(backend.URL())
	require.NoError(t, err)
	sess, err := NewSession(base, tokens)
	require.NoError(t, err)
	return sess, backend
}

func TestLoginStoresTokenAndNavigates(t *testing.T) {
	tokens := &memTokens{}
	sess, backend := newTestSession(t, tokens)
	backend.AddUser("a@b.com", "x")
	backend.IssueToken("T1")

	nav, err := sess.Login(context.Background(), "a@b.com", "x")
	require.NoError(t, err)

	assert.Equal(t, Navigation{Target: RouteDashboard, Replace: true}, nav)
	assert.Equal(t, "T1", tokens.token)
	assert.Equal(t, "T1", sess.Token())
	assert.True(t, sess.Authenticated())
}

func TestRequestsCarryTokenUntilLogout(t *testing.T) {
	sess, backend := newTestSession(t, &memTokens{})
	backend.AddUser("a@b.com", "x")
	backend.IssueToken("T1")
	ctx := context.Background()

	_, err := sess.Login(ctx, "a@b.com", "x")
	require.NoError(t, err)

	_, err = sess.Client().ListResults(ctx)
	require.NoError(t, err)
	_, err = sess.Client().StartScan(ctx, "10.0.0.1")
	require.NoError(t, err)

	nav, err := sess.Logout()
	require.NoError(t, err)
	assert.Equal(t, Navigation{Target: RouteLogin, Replace: true}, nav)

	_, err = sess.Client().ListResults(ctx)
	assert.True(t, api.IsStatus(err, http.StatusUnauthorized))

	var authorized []string
	for _, r := range backend.Requests() {
		if r.Path == api.PathLogin {
			continue
		}
		authorized = append(authorized, r.Authorization)
	}
	assert.Equal(t, []string{"Bearer T1", "Bearer T1", ""}, authorized)
}

func TestLoginRejected(t *testing.T) {
	tokens := &memTokens{}
	sess, backend := newTestSession(t, tokens)
	backend.AddUser("a@b.com", "x")

	nav, err := sess.Login(context.Background(), "a@b.com", "wrong")

	var aerr *AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "login", aerr.Op)
	assert.True(t, api.IsStatus(err, http.StatusUnauthorized))
	assert.Equal(t, "Incorrect email or password", api.Message(err, "Error al iniciar sesión"))
	assert.Equal(t, Navigation{}, nav)
	assert.Zero(t, tokens.saves)
	assert.False(t, sess.Authenticated())
}

func TestLoginPersistFailureKeepsAnonymous(t *testing.T) {
	tokens := &memTokens{saveErr: errors.New("disk full")}
	sess, backend := newTestSession(t, tokens)
	backend.AddUser("a@b.com", "x")

	_, err := sess.Login(context.Background(), "a@b.com", "x")
	require.Error(t, err)
	assert.False(t, sess.Authenticated())
	assert.Empty(t, sess.Client().Token())
}

func TestLoginValidatesBeforeRequest(t *testing.T) {
	sess, backend := newTestSession(t, &memTokens{})

	_, err := sess.Login(context.Background(), "not-an-email", "x")
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)

	_, err = sess.Login(context.Background(), "a@b.com", "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password", verr.Field)

	assert.Empty(t, backend.Requests())
}

func TestSignupDuplicateNoNavigation(t *testing.T) {
	tokens := &memTokens{}
	sess, backend := newTestSession(t, tokens)
	backend.AddUser("a@b.com", "x")

	nav, err := sess.Signup(context.Background(), "a@b.com", "secret123")

	var aerr *AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "signup", aerr.Op)
	assert.Equal(t, "email exists", api.Message(err, "Error al registrar"))
	assert.Equal(t, Navigation{}, nav)
	assert.Zero(t, tokens.saves)
}

func TestSignupNavigatesToLogin(t *testing.T) {
	tokens := &memTokens{}
	sess, backend := newTestSession(t, tokens)

	nav, err := sess.Signup(context.Background(), " new@b.com ", "secret123")
	require.NoError(t, err)
	assert.Equal(t, Navigation{Target: RouteLogin, Replace: true}, nav)
	assert.False(t, sess.Authenticated())

	reqs := backend.RequestsTo(api.PathSignup)
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"email":"new@b.com","password":"secret123"}`, string(reqs[0].Body))
}

func TestNewSessionRestoresPersistedToken(t *testing.T) {
	sess, backend := newTestSession(t, &memTokens{token: "persisted"})

	assert.True(t, sess.Authenticated())
	_, _ = sess.Client().ListResults(context.Background())
	reqs := backend.RequestsTo(api.PathResults)
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer persisted", reqs[0].Authorization)
}

func TestExpiredTokenIsNotForcedOut(t *testing.T) {
	sess, backend := newTestSession(t, &memTokens{})
	backend.AddUser("a@b.com", "x")
	ctx := context.Background()

	_, err := sess.Login(ctx, "a@b.com", "x")
	require.NoError(t, err)
	backend.Revoke(sess.Token())

	_, err = sess.Client().ListResults(ctx)
	assert.True(t, api.IsStatus(err, http.StatusUnauthorized))
	assert.True(t, sess.Authenticated())
}

func TestNavigationURL(t *testing.T) {
	assert.Equal(t, "/login", Navigation{Target: RouteLogin}.URL())
	assert.Equal(t, "/login?from=%2Fdashboard%3Fx%3D1", Navigation{Target: RouteLogin, Return: "/dashboard?x=1"}.URL())
}
