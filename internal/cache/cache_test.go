package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetExpire(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	c := &memory{m: make(map[string]entry), now: func() time.Time { return now }}

	c.Set("page", []byte("<html>"), 30*time.Second)
	v, ok := c.Get("page")
	require.True(t, ok)
	assert.Equal(t, "<html>", string(v))

	now = now.Add(31 * time.Second)
	_, ok = c.Get("page")
	assert.False(t, ok)
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	c := New()
	c.Set("page", []byte("x"), 0)
	_, ok := c.Get("page")
	assert.True(t, ok)
}

func TestMemory_Delete(t *testing.T) {
	c := New()
	c.Set("page", []byte("x"), time.Minute)
	c.Delete("page")
	_, ok := c.Get("page")
	assert.False(t, ok)
}

func TestMemory_SetCopiesValue(t *testing.T) {
	c := New()
	buf := []byte("abc")
	c.Set("k", buf, time.Minute)
	buf[0] = 'z'
	v, _ := c.Get("k")
	assert.Equal(t, "abc", string(v))
}

func TestRedis_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "gcpms:page:")

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet("gcpms:page:https://www.tgju.org/").SetVal("<html>")
		v, ok := c.Get("https://www.tgju.org/")
		assert.True(t, ok)
		assert.Equal(t, "<html>", string(v))
	})

	t.Run("miss", func(t *testing.T) {
		mock.ExpectGet("gcpms:page:missing").RedisNil()
		_, ok := c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("error is a miss", func(t *testing.T) {
		mock.ExpectGet("gcpms:page:broken").SetErr(errors.New("connection refused"))
		_, ok := c.Get("broken")
		assert.False(t, ok)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_SetDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "p:")

	val := []byte("<html>")
	mock.ExpectSet("p:k", val, 30*time.Second).SetVal("OK")
	mock.ExpectDel("p:k").SetVal(1)

	c.Set("k", val, 30*time.Second)
	c.Delete("k")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAuto_MemoryWithoutAddr(t *testing.T) {
	_, ok := NewAuto("", "p:").(*memory)
	assert.True(t, ok)
}
