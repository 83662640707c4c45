package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func args(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestCommandKeys(t *testing.T) {
	tests := []struct {
		args  [][]byte
		write bool
		keys  []string
	}{
		{args: args("get", "k"), keys: []string{"k"}},
		{args: args("SET", "k", "v", "EX", "10"), write: true, keys: []string{"k"}},
		{args: args("MGET", "a", "b", "c"), keys: []string{"a", "b", "c"}},
		{args: args("MSET", "a", "1", "b", "2"), write: true, keys: []string{"a", "b"}},
		{args: args("DEL", "a", "b"), write: true, keys: []string{"a", "b"}},
		{args: args("RENAME", "a", "b"), write: true, keys: []string{"a", "b"}},
		{args: args("HGET", "h", "f"), keys: []string{"h"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.args[0]), func(t *testing.T) {
			spec, ok := LookupCommand(tt.args[0])
			require.True(t, ok)
			assert.Equal(t, tt.write, spec.Write)

			keys, err := spec.Keys(tt.args)
			require.NoError(t, err)
			got := make([]string, len(keys))
			for i, k := range keys {
				got[i] = string(k)
			}
			assert.Equal(t, tt.keys, got)
		})
	}
}

func TestCommandArity(t *testing.T) {
	for _, a := range [][][]byte{
		args("GET"),
		args("GET", "a", "b"),
		args("SET", "k"),
		args("MSET", "a", "1", "b"),
	} {
		spec, ok := LookupCommand(a[0])
		require.True(t, ok)
		_, err := spec.Keys(a)
		assert.ErrorIs(t, err, ErrWrongArity, string(a[0]))
	}

	_, ok := LookupCommand([]byte("FLUSHALL"))
	assert.False(t, ok)
}

func TestKeysSlot(t *testing.T) {
	slot, err := KeysSlot(args("{user1}.a", "{user1}.b"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, slot, 0)

	_, err = KeysSlot(args("foo", "bar"))
	assert.ErrorIs(t, err, ErrCrossSlot)
}
