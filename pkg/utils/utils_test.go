package utils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaBetsy/cpss/pkg/utils"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "domain",
			in:   "Example.COM",
			want: "example.com",
		},
		{
			name: "spaces and slashes",
			in:   "acme corp/emea",
			want: "acme_corp_emea",
		},
		{
			name: "ipv6 colons",
			in:   "2001:db8::1",
			want: "2001-db8--1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, utils.SafeName(tt.in))
		})
	}
}

func TestReadWriteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, utils.WriteLines(path, []string{"example.com", "example.org"}))

	got, err := utils.ReadLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "example.org"}, got)
}

func TestReadLines_SkipsBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\n\n  b  \n\n"), 0o644))

	got, err := utils.ReadLines(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestNewestFile(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "old.txt")
	newer := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))

	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))
	require.NoError(t, os.Chtimes(newer, now, now))

	got, err := utils.NewestFile(dir, ".txt")
	require.NoError(t, err)
	assert.Equal(t, newer, got)

	_, err = utils.NewestFile(dir, ".pdf")
	assert.Error(t, err)
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, utils.WriteJSONFile(path, map[string]int{"records": 3}))

	var got map[string]int
	require.NoError(t, utils.UnmarshalJSONFile(&got, path))
	assert.Equal(t, 3, got["records"])
}
