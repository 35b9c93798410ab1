package preauth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"unitrack/auth-gate/internal/crypto"
)

var ErrNotFound = errors.New("pre-auth token not found")

const (
	tokenPrefix   = "preauth:token:"
	subjectPrefix = "preauth:subject:"
)

// Broker mints and redeems single-use bootstrap tokens that let a secondary
// login surface authenticate a subject without a password. Tokens live in
// Redis under a TTL; only the token hash is stored. The subject mapping
// exists so re-issuing for the same subject invalidates the prior token.
type Broker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewBroker(rdb *redis.Client, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Broker{rdb: rdb, ttl: ttl}
}

// Issue generates a fresh token for the subject, replacing any outstanding
// one, and returns the token string for out-of-band delivery.
func (b *Broker) Issue(ctx context.Context, subject string) (string, error) {
	token, err := crypto.NewBootstrapToken()
	if err != nil {
		return "", err
	}
	hash := crypto.HashToken(token)

	prev, err := b.rdb.GetDel(ctx, subjectPrefix+subject).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if prev != "" {
		if err := b.rdb.Del(ctx, tokenPrefix+prev).Err(); err != nil {
			return "", err
		}
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, tokenPrefix+hash, subject, b.ttl)
	pipe.Set(ctx, subjectPrefix+subject, hash, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// Redeem resolves a token to its subject exactly once: the lookup deletes
// the mapping, so a replayed token fails with ErrNotFound.
func (b *Broker) Redeem(ctx context.Context, token string) (string, error) {
	hash := crypto.HashToken(token)
	subject, err := b.rdb.GetDel(ctx, tokenPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	_ = b.rdb.Del(ctx, subjectPrefix+subject).Err()
	return subject, nil
}

// Revoke drops an outstanding token. Revoking an unknown token is not an
// error.
func (b *Broker) Revoke(ctx context.Context, token string) error {
	hash := crypto.HashToken(token)
	subject, err := b.rdb.GetDel(ctx, tokenPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.rdb.Del(ctx, subjectPrefix+subject).Err()
}
