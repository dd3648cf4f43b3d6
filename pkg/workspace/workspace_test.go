package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func TestResolveRefusesEscapes(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)

	for _, rel := range []string{"../outside.txt", "a/../../outside.txt", "/etc/passwd"} {
		_, err := w.Resolve(rel)
		require.Error(t, err, rel)
		assert.True(t, proto.IsFault(err, proto.FaultConstitutional), rel)
	}

	// Normal relative paths are fine, including ones with redundant segments.
	_, err = w.Resolve("src/./app.js")
	assert.NoError(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)

	exists, err := w.Exists("src/app.js")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, w.Write("src/app.js", []byte("line1\nline2")))

	exists, err = w.Exists("src/app.js")
	require.NoError(t, err)
	assert.True(t, exists)

	lines, err := w.ReadLines("src/app.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"line1", "line2"}, lines)

	require.NoError(t, w.WriteLines("src/app.js", []string{"a", "b", "c"}))
	data, err := w.Read("src/app.js")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", string(data))
}

func TestReadMissingFile(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = w.Read("missing.txt")
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultDependency))
}
