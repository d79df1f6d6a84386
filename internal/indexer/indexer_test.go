package indexer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/pyparse"
)

const sampleSource = `def greet(name):
    return "hi " + name
`

func newTestParser(t *testing.T) *pyparse.Parser {
	t.Helper()
	p, err := pyparse.NewParser()
	require.NoError(t, err)
	return p
}

func TestCachingParseFuncParsesFile(t *testing.T) {
	parser := newTestParser(t)
	path := filepath.Join(t.TempDir(), "sample.py")
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))

	parse := NewCachingParseFunc(parser, 0)
	result, err := parse(path)
	require.NoError(t, err)
	require.Len(t, result.Functions, 1)
	assert.Equal(t, "greet", result.Functions[0].Name)
	assert.Equal(t, sampleSource, result.Source)
	assert.NotEmpty(t, result.TreeHash)
	assert.NotEmpty(t, result.TreeData)
}

func TestCachingParseFuncCachesByContentHash(t *testing.T) {
	parser := newTestParser(t)
	path := filepath.Join(t.TempDir(), "sample.py")
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))

	parse := NewCachingParseFunc(parser, 0)
	first, err := parse(path)
	require.NoError(t, err)

	// overwrite on disk with identical bytes but touch mtime: the
	// cache key is the content hash, so the second parse must return
	// the exact same *ParsedFile instance rather than re-parsing.
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))
	second, err := parse(path)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCachingParseFuncMissesOnChangedContent(t *testing.T) {
	parser := newTestParser(t)
	path := filepath.Join(t.TempDir(), "sample.py")
	require.NoError(t, os.WriteFile(path, []byte(sampleSource), 0o644))

	parse := NewCachingParseFunc(parser, 0)
	first, err := parse(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(sampleSource+"\ndef other(): pass\n"), 0o644))
	second, err := parse(path)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Len(t, second.Functions, 2)
}

func TestCachingParseFuncMissingFile(t *testing.T) {
	parser := newTestParser(t)
	parse := NewCachingParseFunc(parser, 0)
	_, err := parse(filepath.Join(t.TempDir(), "missing.py"))
	assert.Error(t, err)
}
