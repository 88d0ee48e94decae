package access

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/celerix-dev/celerix-mirror/internal/engine"
)

func newRedis(t *testing.T) engine.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s := engine.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "access-test:")
	t.Cleanup(func() { _ = s.Close() })
	return s
}
