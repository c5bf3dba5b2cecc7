package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestReadProject(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.py":                      "import pkg\n",
		"pkg/__init__.py":              "",
		"pkg/stub.pyi":                 "x: int\n",
		"pkg/__pycache__/x.cpython.py": "junk",
		"pyproject.toml":               "[tool.mypy]\n",
		"README.md":                    "# readme\n",
		".git/config.py":               "",
		".venv/lib/site.py":            "",
	})

	files, err := readProject(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"main.py", "pkg/__init__.py", "pkg/stub.pyi", "pyproject.toml"}, names)
}

func TestReadProject_NoPythonFiles(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"README.md": "hi"})

	_, err := readProject(dir)
	assert.ErrorContains(t, err, "no Python files")
}

func TestReadProject_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "main.py")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := readProject(file)
	assert.ErrorContains(t, err, "not a directory")
}
