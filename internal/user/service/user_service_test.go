package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postboard/backend/internal/audit"
	"postboard/backend/internal/security"
	"postboard/backend/internal/user/domain"
	"postboard/backend/internal/user/repository"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) LogEvent(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newService(t *testing.T) (*UserService, *repository.MemoryRepository, *recordingAudit) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	rec := &recordingAudit{}
	return NewUserService(repo, security.NewHasher(4), rec, nil), repo, rec
}

func TestRegister(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterInput{Username: " alice ", Password: "pw", Email: "a@example.com", Avatar: "x.png"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "x.png", u.Avatar)
	assert.Empty(t, u.RefreshTokens)
	assert.NotEqual(t, "pw", u.PasswordHash)
	assert.NoError(t, security.NewHasher(4).Compare(u.PasswordHash, []byte("pw")))

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.ActionRegister, rec.events[0].Action)
	assert.Equal(t, u.ID, rec.events[0].UserID)
}

func TestRegister_Errors(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Password: "pw", Email: "a@example.com"})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   RegisterInput
		want error
	}{
		{"missing username", RegisterInput{Password: "pw", Email: "b@example.com"}, ErrMissingArguments},
		{"blank username", RegisterInput{Username: "  ", Password: "pw", Email: "b@example.com"}, ErrMissingArguments},
		{"missing password", RegisterInput{Username: "bob", Email: "b@example.com"}, ErrMissingArguments},
		{"missing email", RegisterInput{Username: "bob", Password: "pw"}, ErrMissingArguments},
		{"taken", RegisterInput{Username: "alice", Password: "pw", Email: "c@example.com"}, domain.ErrUsernameTaken},
		{"password too long", RegisterInput{Username: "bob", Password: strings.Repeat("p", MaxPasswordBytes+1), Email: "b@example.com"}, ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, _, rec := newService(t)
	ctx := context.Background()

	alice, err := svc.Register(ctx, RegisterInput{Username: "alice", Password: "pw", Email: "a@example.com"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterInput{Username: "bob", Password: "pw", Email: "b@example.com"})
	require.NoError(t, err)

	name, avatar := "alicia", "new.jpg"
	u, err := svc.UpdateProfile(ctx, alice.ID, domain.ProfileUpdate{Username: &name, Avatar: &avatar})
	require.NoError(t, err)
	assert.Equal(t, "alicia", u.Username)
	assert.Equal(t, "new.jpg", u.Avatar)
	assert.Equal(t, audit.ActionProfileUpdated, rec.events[len(rec.events)-1].Action)

	taken := "bob"
	_, err = svc.UpdateProfile(ctx, alice.ID, domain.ProfileUpdate{Username: &taken})
	assert.ErrorIs(t, err, domain.ErrUsernameTaken)

	blank := " "
	_, err = svc.UpdateProfile(ctx, alice.ID, domain.ProfileUpdate{Username: &blank})
	assert.ErrorIs(t, err, ErrMissingArguments)

	same, err := svc.UpdateProfile(ctx, alice.ID, domain.ProfileUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "alicia", same.Username)

	_, err = svc.UpdateProfile(ctx, "missing", domain.ProfileUpdate{Avatar: &avatar})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
