package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"postboard/backend/internal/user/domain"
)

// Redis layout:
//
//	<prefix>:user:<id>        hash with the user fields; refresh_tokens is a JSON array
//	<prefix>:username:<name>  string holding the owning user id
const (
	fieldID            = "id"
	fieldUsername      = "username"
	fieldEmail         = "email"
	fieldAvatar        = "avatar"
	fieldPasswordHash  = "password_hash"
	fieldRefreshTokens = "refresh_tokens"
	fieldCreatedAt     = "created_at"
	fieldUpdatedAt     = "updated_at"
)

// KEYS[1]=user key, KEYS[2]=username key; ARGV = id, username, email, avatar, hash, now
const createUserScript = `
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "username", ARGV[2], "email", ARGV[3], "avatar", ARGV[4],
  "password_hash", ARGV[5], "refresh_tokens", "[]", "created_at", ARGV[6], "updated_at", ARGV[6])
return 1
`

var createUserLua = redis.NewScript(createUserScript)

// KEYS[1]=user key; ARGV[1]=expected JSON, ARGV[2]=next JSON.
// Returns 0 when the user is missing, 1 when the list changed, 2 on success.
const casTokensScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local current = redis.call("HGET", KEYS[1], "refresh_tokens")
if current ~= ARGV[1] then
  return 1
end
redis.call("HSET", KEYS[1], "refresh_tokens", ARGV[2])
return 2
`

var casTokensLua = redis.NewScript(casTokensScript)

// KEYS[1]=user key, KEYS[2]=new username key, KEYS[3]=current username key;
// ARGV[1]=current username, ARGV[2]=new username or "", ARGV[3]="1" to set avatar,
// ARGV[4]=avatar, ARGV[5]=now. Returns 0 missing, 1 taken, 2 ok, 3 when the
// stored username no longer matches ARGV[1].
const updateProfileScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local id = redis.call("HGET", KEYS[1], "id")
if ARGV[2] ~= "" and ARGV[2] ~= ARGV[1] then
  if redis.call("HGET", KEYS[1], "username") ~= ARGV[1] then
    return 3
  end
  local owner = redis.call("GET", KEYS[2])
  if owner and owner ~= id then
    return 1
  end
  redis.call("DEL", KEYS[3])
  redis.call("SET", KEYS[2], id)
  redis.call("HSET", KEYS[1], "username", ARGV[2])
end
if ARGV[3] == "1" then
  redis.call("HSET", KEYS[1], "avatar", ARGV[4])
end
redis.call("HSET", KEYS[1], "updated_at", ARGV[5])
return 2
`

var updateProfileLua = redis.NewScript(updateProfileScript)

// RedisRepository stores users in Redis hashes. All multi-key writes run as Lua
// scripts so each operation is atomic.
type RedisRepository struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRepository returns a user repository backed by rdb. prefix namespaces every key (default "pb").
func NewRedisRepository(rdb redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "pb"
	}
	return &RedisRepository{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisRepository) userKey(id string) string { return r.prefix + ":user:" + id }

func (r *RedisRepository) usernameKey(name string) string { return r.prefix + ":username:" + name }

func decodeUserHash(m map[string]string) (*domain.User, error) {
	if len(m) == 0 {
		return nil, domain.ErrUserNotFound
	}
	u := &domain.User{
		ID:           m[fieldID],
		Username:     m[fieldUsername],
		Email:        m[fieldEmail],
		Avatar:       m[fieldAvatar],
		PasswordHash: m[fieldPasswordHash],
	}
	if err := json.Unmarshal([]byte(m[fieldRefreshTokens]), &u.RefreshTokens); err != nil {
		return nil, fmt.Errorf("decode refresh_tokens: %w", err)
	}
	if u.RefreshTokens == nil {
		u.RefreshTokens = []string{}
	}
	var err error
	if u.CreatedAt, err = time.Parse(time.RFC3339Nano, m[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339Nano, m[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return u, nil
}

func (r *RedisRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	m, err := r.rdb.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return decodeUserHash(m)
}

func (r *RedisRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	id, err := r.rdb.Get(ctx, r.usernameKey(username)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return r.FindByID(ctx, id)
}

func (r *RedisRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	created := &domain.User{
		ID:            uuid.NewString(),
		Username:      u.Username,
		Email:         u.Email,
		Avatar:        u.Avatar,
		PasswordHash:  u.PasswordHash,
		RefreshTokens: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ok, err := createUserLua.Run(ctx, r.rdb,
		[]string{r.userKey(created.ID), r.usernameKey(created.Username)},
		created.ID, created.Username, created.Email, created.Avatar, created.PasswordHash, now.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if ok == 0 {
		return nil, domain.ErrUsernameTaken
	}
	return created, nil
}

// maxRenameAttempts bounds retries when a concurrent rename moves the username
// between reading it and running the update script.
const maxRenameAttempts = 4

func (r *RedisRepository) UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error) {
	setAvatar, avatar := "0", ""
	if upd.Avatar != nil {
		setAvatar, avatar = "1", *upd.Avatar
	}
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		current, err := r.rdb.HGet(ctx, r.userKey(id), fieldUsername).Result()
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrUserNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("redis error: %w", err)
		}
		newName := ""
		if upd.Username != nil {
			newName = *upd.Username
		}
		res, err := updateProfileLua.Run(ctx, r.rdb,
			[]string{r.userKey(id), r.usernameKey(newName), r.usernameKey(current)},
			current, newName, setAvatar, avatar, r.now().UTC().Format(time.RFC3339Nano),
		).Int()
		if err != nil {
			return nil, fmt.Errorf("redis error: %w", err)
		}
		switch res {
		case 0:
			return nil, domain.ErrUserNotFound
		case 1:
			return nil, domain.ErrUsernameTaken
		case 3:
			continue
		}
		return r.FindByID(ctx, id)
	}
	return nil, fmt.Errorf("redis error: username of user %s changed concurrently", id)
}

func (r *RedisRepository) CompareAndSetRefreshTokens(ctx context.Context, id string, expected, next []string) error {
	exp, err := encodeTokens(expected)
	if err != nil {
		return err
	}
	nxt, err := encodeTokens(next)
	if err != nil {
		return err
	}
	res, err := casTokensLua.Run(ctx, r.rdb, []string{r.userKey(id)}, exp, nxt).Int()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	switch res {
	case 0:
		return domain.ErrUserNotFound
	case 1:
		return domain.ErrTokensChanged
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	username, err := r.rdb.HGet(ctx, r.userKey(id), fieldUsername).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.userKey(id))
	pipe.Del(ctx, r.usernameKey(username))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error {
	return r.rdb.Close()
}
