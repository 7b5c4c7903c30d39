package hostpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHost(t *testing.T) {
	host, err := ParseHost("10.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", host.Addr)
	assert.Equal(t, uint16(8080), host.Port)
	assert.Equal(t, "10.0.0.1:8080", host.String())
}

func TestParseHostErrors(t *testing.T) {
	_, err := ParseHost("no-port")
	require.Error(t, err)

	_, err = ParseHost("host:")
	require.Error(t, err)

	_, err = ParseHost("host:notaport")
	require.Error(t, err)

	_, err = ParseHost("host:0")
	require.Error(t, err)

	_, err = ParseHost("host:70000")
	require.Error(t, err)
}

func TestNewRejectsEmptyGroup(t *testing.T) {
	_, err := New(map[string][]string{"empty": {}})
	require.ErrorIs(t, err, ErrEmptyGroup)
}

func TestNewRejectsBadHost(t *testing.T) {
	_, err := New(map[string][]string{"bad": {"localhost"}})
	require.Error(t, err)
}

func TestPickRoundRobin(t *testing.T) {
	pool, err := New(map[string][]string{
		"svc": {"a:1", "b:2", "c:3"},
	})
	require.NoError(t, err)

	var picked []string
	for i := 0; i < 6; i++ {
		host, err := pool.Pick("svc")
		require.NoError(t, err)
		picked = append(picked, host.String())
	}

	assert.Equal(t, []string{"a:1", "b:2", "c:3", "a:1", "b:2", "c:3"}, picked)
}

func TestPickUnknownGroup(t *testing.T) {
	pool, err := New(map[string][]string{"svc": {"a:1"}})
	require.NoError(t, err)

	_, err = pool.Pick("ghost")
	require.ErrorIs(t, err, ErrUnknownGroup)
}

func TestHasAndGroups(t *testing.T) {
	pool, err := New(map[string][]string{
		"one": {"a:1"},
		"two": {"b:2"},
	})
	require.NoError(t, err)

	assert.True(t, pool.Has("one"))
	assert.False(t, pool.Has("three"))
	assert.ElementsMatch(t, []string{"one", "two"}, pool.Groups())
}
