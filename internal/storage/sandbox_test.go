package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		relative string
		want     string
	}{
		{name: "empty is root", relative: "", want: "/2"},
		{name: "dot is root", relative: ".", want: "/2"},
		{name: "slash is root", relative: "/", want: "/2"},
		{name: "simple file", relative: "docs/a.txt", want: "/2/docs/a.txt"},
		{name: "leading slash", relative: "/docs/a.txt", want: "/2/docs/a.txt"},
		{name: "inner dotdot stays inside", relative: "docs/../b.txt", want: "/2/b.txt"},
		{name: "duplicate separators", relative: "docs//x///y", want: "/2/docs/x/y"},
		{name: "backslash separators", relative: `docs\a.txt`, want: "/2/docs/a.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve("/2", tt.relative)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveEscapes(t *testing.T) {
	tests := []struct {
		name     string
		root     string
		relative string
	}{
		{name: "parent", root: "/2", relative: ".."},
		{name: "sibling tenant", root: "/2", relative: "../../1/secret.txt"},
		{name: "climb after descent", root: "/2", relative: "docs/../../1"},
		{name: "windows traversal", root: "/2", relative: `..\1\secret.txt`},
		{name: "prefix sibling", root: "/1", relative: "../10/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.root, tt.relative)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPathEscape)

			var escape *PathEscapeError
			require.ErrorAs(t, err, &escape)
			assert.Equal(t, tt.relative, escape.Relative)
		})
	}
}

func TestResolveRejectsNullByte(t *testing.T) {
	_, err := Resolve("/1", "a\x00b")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolveIsIdempotent(t *testing.T) {
	first, err := Resolve("/3", "a/./b/../c")
	require.NoError(t, err)

	second, err := Resolve("/3", first[len("/3"):])
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveChild(t *testing.T) {
	got, err := ResolveChild("/1", "/1/docs", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/1/docs/report.pdf", got)

	got, err = ResolveChild("/1", "/1", "top")
	require.NoError(t, err)
	assert.Equal(t, "/1/top", got)
}

func TestResolveChildRejects(t *testing.T) {
	tests := []struct {
		name    string
		parent  string
		child   string
		wantErr error
	}{
		{name: "empty", parent: "/1", child: "", wantErr: ErrInvalidPath},
		{name: "dot", parent: "/1/docs", child: ".", wantErr: ErrInvalidPath},
		{name: "nested", parent: "/1", child: "a/b", wantErr: ErrInvalidPath},
		{name: "backslash nested", parent: "/1", child: `a\b`, wantErr: ErrInvalidPath},
		{name: "reserved prefix", parent: "/1", child: tempPrefix + "x", wantErr: ErrInvalidPath},
		{name: "dotdot inside root", parent: "/1/docs", child: "..", wantErr: ErrInvalidPath},
		{name: "dotdot out of root", parent: "/1", child: "..", wantErr: ErrPathEscape},
		{name: "climb to other tenant", parent: "/1", child: "../2/x", wantErr: ErrPathEscape},
		{name: "parent outside root", parent: "/2", child: "x", wantErr: ErrPathEscape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveChild("/1", tt.parent, tt.child)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/1", "/1"))
	assert.True(t, within("/1", "/1/a"))
	assert.False(t, within("/1", "/10"))
	assert.False(t, within("/1", "/"))
	assert.True(t, within("/", "/anything"))
}
