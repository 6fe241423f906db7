package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricboard/internal/constants"
)

func TestCompactJSONKeepsHTMLCharacters(t *testing.T) {
	data, err := CompactJSON(map[string]string{"q": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<a&b>"}`, string(data))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc", "report.html")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "不应残留临时文件")
}

func TestWriteFileAtomicCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	// 目标是非空目录，重命名必然失败
	target := filepath.Join(dir, "report.html")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "keep"), 0755))

	assert.Error(t, WriteFileAtomic(target, []byte("x"), 0644))

	leftovers, err := filepath.Glob(filepath.Join(dir, "*"+constants.TempFileSuffix))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
