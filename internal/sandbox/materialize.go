package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// EnvDirName is the dependency environment directory inside a sandbox. It is
// the only entry Materialize may leave untouched, and no submitted file may
// live under it.
const EnvDirName = ".venv"

// ErrInvalidPath is the sentinel wrapped by every *InvalidPathError.
var ErrInvalidPath = errors.New("invalid path")

// InvalidPathError reports a file entry whose name cannot be materialized.
type InvalidPathError struct {
	Name   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid file name %q: %s", e.Name, e.Reason)
}

func (e *InvalidPathError) Unwrap() error { return ErrInvalidPath }

// File is one submitted source file.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// NormalizeName trims raw, converts backslashes to slashes and cleans the
// result. It rejects empty, absolute and parent-traversing names as well as
// names inside the dependency environment.
func NormalizeName(raw string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	if name == "" {
		return "", &InvalidPathError{Name: raw, Reason: "name is empty"}
	}
	if strings.ContainsRune(name, 0) {
		return "", &InvalidPathError{Name: raw, Reason: "name contains a NUL byte"}
	}
	if strings.HasPrefix(name, "/") || hasDriveLetter(name) {
		return "", &InvalidPathError{Name: raw, Reason: "absolute paths are not allowed"}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", &InvalidPathError{Name: raw, Reason: "parent directory segments are not allowed"}
		}
	}

	name = path.Clean(name)
	if name == "." {
		return "", &InvalidPathError{Name: raw, Reason: "name is empty"}
	}
	if first, _, _ := strings.Cut(name, "/"); first == EnvDirName {
		return "", &InvalidPathError{Name: raw, Reason: EnvDirName + " is reserved for the dependency environment"}
	}
	return name, nil
}

func hasDriveLetter(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ValidateFiles normalizes every name and checks the set for collisions:
// two entries with the same normalized name, or an entry whose name is a
// directory of another entry. It returns the normalized copies in input
// order and never touches the filesystem.
func ValidateFiles(files []File) ([]File, error) {
	out := make([]File, 0, len(files))
	names := make(map[string]string, len(files))
	dirs := make(map[string]string)

	for _, f := range files {
		name, err := NormalizeName(f.Name)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[name]; dup {
			return nil, &InvalidPathError{Name: f.Name, Reason: fmt.Sprintf("duplicates %q", prev)}
		}
		names[name] = f.Name
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if _, seen := dirs[dir]; !seen {
				dirs[dir] = f.Name
			}
		}
		out = append(out, File{Name: name, Content: f.Content})
	}

	for name, raw := range names {
		if other, clash := dirs[name]; clash {
			return nil, &InvalidPathError{Name: raw, Reason: fmt.Sprintf("is also a directory of %q", other)}
		}
	}
	return out, nil
}

// Materialize makes the tree under dir equal files. Validation of every
// entry happens before the first write. Entries on disk that are not part of
// files are removed, except the dependency environment when preserveEnv is
// true. Files whose content is already current are not rewritten.
func Materialize(dir string, files []File, preserveEnv bool) error {
	normalized, err := ValidateFiles(files)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}

	wantFiles := make(map[string]struct{}, len(normalized))
	wantDirs := make(map[string]struct{})
	for _, f := range normalized {
		wantFiles[f.Name] = struct{}{}
		for d := path.Dir(f.Name); d != "."; d = path.Dir(d) {
			wantDirs[d] = struct{}{}
		}
	}

	if err := prune(dir, wantFiles, wantDirs, preserveEnv); err != nil {
		return err
	}

	for _, f := range normalized {
		target := filepath.Join(dir, filepath.FromSlash(f.Name))
		if current, err := os.ReadFile(target); err == nil && bytes.Equal(current, []byte(f.Content)) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("create directory for %s: %w", f.Name, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// prune removes everything under dir that is not a wanted file or a parent
// directory of one. Wanted names that exist with the wrong type (a directory
// where a file goes, a symlink, a device) are removed too.
func prune(dir string, wantFiles, wantDirs map[string]struct{}, preserveEnv bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel == EnvDirName && preserveEnv {
			return filepath.SkipDir
		}
		if d.IsDir() {
			if _, ok := wantDirs[rel]; ok {
				return nil
			}
			if err := os.RemoveAll(p); err != nil {
				return fmt.Errorf("remove stale %s: %w", rel, err)
			}
			return filepath.SkipDir
		}
		if _, ok := wantFiles[rel]; ok && d.Type().IsRegular() {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove stale %s: %w", rel, err)
		}
		return nil
	})
}

// ReadTree returns every regular file under dir as a File with a slash
// separated relative name, sorted by name. Top-level entries named in skip
// (and the dependency environment) are ignored.
func ReadTree(dir string, skip ...string) ([]File, error) {
	skipped := map[string]struct{}{EnvDirName: {}}
	for _, s := range skip {
		skipped[s] = struct{}{}
	}

	var files []File
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := skipped[rel]; ok {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Name: rel, Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
