package fpstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "prop-checker_12_3", Key("prop-checker", 12, 3))
}

func TestMarkAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fp.json")
	s, err := Open(path, nil)
	require.NoError(t, err)

	assert.False(t, s.IsFalsePositive("d", 1, 2))
	require.NoError(t, s.Mark("d", 1, 2, "reflection, not a prop move", "reviewer"))
	assert.True(t, s.IsFalsePositive("d", 1, 2))
	assert.False(t, s.IsFalsePositive("d", 1, 3))

	recs := s.Records("d", 1, 2)
	require.Len(t, recs, 1)
	assert.Equal(t, "reflection, not a prop move", recs[0].Reason)
}

func TestMarksSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fp.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Mark("d", 5, 9, "continuity is intentional here", ""))

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.True(t, reopened.IsFalsePositive("d", 5, 9))
}

func TestCorruptedFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fp.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.False(t, s.IsFalsePositive("d", 1, 1))
}

func TestPathlessStoreIsInMemoryOnly(t *testing.T) {
	s, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, s.Mark("d", 1, 1, "x", ""))
	assert.True(t, s.IsFalsePositive("d", 1, 1))
}
