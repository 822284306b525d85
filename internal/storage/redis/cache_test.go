package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"spsh/backend/internal/storage"
)

var errConnReset = errors.New("connection reset by peer")

// scriptedHook answers commands without a server: SET NX reports acquired,
// lock release scripts fail.
type scriptedHook struct {
	acquired bool
}

func (h scriptedHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errConnReset
	}
}

func (h scriptedHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "set":
			if c, ok := cmd.(*redis.BoolCmd); ok {
				c.SetVal(h.acquired)
				return nil
			}
		}
		cmd.SetErr(errConnReset)
		return errConnReset
	}
}

func (h scriptedHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		return errConnReset
	}
}

func newScriptedClient(t *testing.T, acquired bool) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1})
	client.AddHook(scriptedHook{acquired: acquired})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCache_TryLock(t *testing.T) {
	ctx := context.Background()

	t.Run("Held lock is reported", func(t *testing.T) {
		cache := NewCache(newScriptedClient(t, false), nil)
		_, err := cache.TryLock(ctx, "person-1", time.Minute)
		assert.ErrorIs(t, err, storage.ErrLockHeld)
	})

	t.Run("Failed release is logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		cache := NewCache(newScriptedClient(t, true), zap.New(core))

		unlock, err := cache.TryLock(ctx, "person-1", time.Minute)
		require.NoError(t, err)
		unlock()

		entries := logs.FilterMessage("person lock release failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "person-1", entries[0].ContextMap()["personId"])
	})
}
