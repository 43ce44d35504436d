package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := r.Register(RegisterRequest{
		UserID:   "user-1",
		Token:    "tok-a",
		Platform: PlatformIOS,
	})
	second := r.Register(RegisterRequest{
		UserID:     "user-1",
		Token:      "tok-a",
		Platform:   PlatformIOS,
		AppVersion: "2.0.0",
	})

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, "2.0.0", second.AppVersion)
}

func TestRegistry_TokenKindAutoSelection(t *testing.T) {
	r := NewRegistry()

	ios := r.Register(RegisterRequest{UserID: "u", Token: "t1", Platform: PlatformIOS})
	android := r.Register(RegisterRequest{UserID: "u", Token: "t2", Platform: PlatformAndroid})
	web := r.Register(RegisterRequest{UserID: "u", Token: "t3", Platform: PlatformWeb})

	assert.Equal(t, TokenAPNS, ios.TokenKind)
	assert.Equal(t, TokenFCM, android.TokenKind)
	assert.Equal(t, TokenWebPush, web.TokenKind)
}

func TestRegistry_GetByToken(t *testing.T) {
	r := NewRegistry()
	d := r.Register(RegisterRequest{UserID: "u", Token: "tok", Platform: PlatformAndroid})

	got, ok := r.GetByToken("tok")
	require.True(t, ok)
	assert.Equal(t, d.ID, got.ID)

	_, ok = r.GetByToken("missing")
	assert.False(t, ok)
}

func TestRegistry_ListForUserFiltersInactive(t *testing.T) {
	r := NewRegistry()
	a := r.Register(RegisterRequest{UserID: "u", Token: "t1", Platform: PlatformIOS})
	b := r.Register(RegisterRequest{UserID: "u", Token: "t2", Platform: PlatformAndroid})

	require.True(t, r.Deactivate(b.ID))

	active := r.ListForUser("u", true)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	all := r.ListForUser("u", false)
	assert.Len(t, all, 2)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	d := r.Register(RegisterRequest{UserID: "u", Token: "tok", Platform: PlatformWeb})

	require.True(t, r.Unregister(d.ID))
	assert.False(t, r.Unregister(d.ID))

	_, ok := r.Get(d.ID)
	assert.False(t, ok)
	_, ok = r.GetByToken("tok")
	assert.False(t, ok)
	assert.Empty(t, r.ListForUser("u", false))
}

func TestRegistry_MarkTokenInvalid(t *testing.T) {
	r := NewRegistry()
	d := r.Register(RegisterRequest{UserID: "u", Token: "tok", Platform: PlatformAndroid})

	require.True(t, r.MarkTokenInvalid("tok"))

	got, ok := r.Get(d.ID)
	require.True(t, ok)
	assert.False(t, got.Active)

	assert.False(t, r.MarkTokenInvalid("missing"))
}

func TestRegistry_RefreshTokenRepointsIndex(t *testing.T) {
	r := NewRegistry()
	d := r.Register(RegisterRequest{UserID: "u", Token: "old", Platform: PlatformIOS})

	require.True(t, r.RefreshToken(d.ID, "new"))

	_, ok := r.GetByToken("old")
	assert.False(t, ok)

	got, ok := r.GetByToken("new")
	require.True(t, ok)
	assert.Equal(t, d.ID, got.ID)
	assert.NotNil(t, got.TokenRefreshedAt)
}

func TestRegistry_RefreshTokenDeactivatesPreviousHolder(t *testing.T) {
	r := NewRegistry()
	a := r.Register(RegisterRequest{UserID: "u", Token: "t1", Platform: PlatformIOS})
	b := r.Register(RegisterRequest{UserID: "u", Token: "t2", Platform: PlatformIOS})

	require.True(t, r.RefreshToken(a.ID, "t2"))

	got, ok := r.GetByToken("t2")
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)

	old, ok := r.Get(b.ID)
	require.True(t, ok)
	assert.False(t, old.Active)
}

func TestRegistry_UnregisterPreviousHolderKeepsTokenIndex(t *testing.T) {
	r := NewRegistry()
	a := r.Register(RegisterRequest{UserID: "u", Token: "t1", Platform: PlatformIOS})
	b := r.Register(RegisterRequest{UserID: "u", Token: "t2", Platform: PlatformIOS})

	require.True(t, r.RefreshToken(a.ID, "t2"))
	require.True(t, r.Unregister(b.ID))

	// The token index still resolves to the device that refreshed onto it.
	got, ok := r.GetByToken("t2")
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)

	// Re-registering the token updates that device instead of minting a new one.
	again := r.Register(RegisterRequest{UserID: "u", Token: "t2", Platform: PlatformIOS})
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_UnknownIDsReportFailure(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("missing")
	assert.False(t, ok)
	assert.False(t, r.Deactivate("missing"))
	assert.False(t, r.RefreshToken("missing", "tok"))
	assert.False(t, r.MarkUsed("missing"))
}
