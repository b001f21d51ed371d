package index

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// FileEntry is one file selected for indexing.
type FileEntry struct {
	Path    string // repo-relative, forward slashes
	AbsPath string
	Size    int64
}

// walkRepo lists the files to index under root, honoring exclude patterns
// and the file size limit. Hidden directories and the .repograph state
// directory are always skipped.
func walkRepo(root string, exclude []string, maxFileSize int64) ([]FileEntry, error) {
	var files []FileEntry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil || relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			for _, pattern := range exclude {
				if matchGlob(pattern, relPath+"/") {
					return filepath.SkipDir
				}
			}
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		for _, pattern := range exclude {
			if matchGlob(pattern, relPath) {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if maxFileSize > 0 && info.Size() > maxFileSize {
			return nil
		}

		files = append(files, FileEntry{
			Path:    relPath,
			AbsPath: path,
			Size:    info.Size(),
		})
		return nil
	})
	return files, err
}

// isBinary sniffs the first block of content for NUL bytes.
func isBinary(content []byte) bool {
	n := len(content)
	if n > 8192 {
		n = 8192
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// matchGlob matches a path against a glob pattern.
func matchGlob(pattern, path string) bool {
	// Handle ** for recursive matching
	if strings.Contains(pattern, "**") {
		parts := strings.Split(pattern, "**")
		// "**/dir/**": match the path segment anywhere
		if len(parts) == 3 && parts[0] == "" && parts[2] == "" {
			mid := strings.Trim(parts[1], "/")
			return strings.Contains("/"+path, "/"+mid+"/")
		}
		if len(parts) == 2 {
			prefix := strings.TrimSuffix(parts[0], "/")
			suffix := strings.TrimPrefix(parts[1], "/")

			if prefix != "" && !strings.HasPrefix(path, prefix) {
				return false
			}
			if suffix == "" {
				return true
			}

			// If suffix contains *, match against the basename or the
			// remaining path
			if strings.Contains(suffix, "*") {
				base := filepath.Base(path)
				matched, _ := filepath.Match(suffix, base)
				if matched {
					return true
				}
				remaining := path
				if prefix != "" {
					remaining = strings.TrimPrefix(path, prefix)
					remaining = strings.TrimPrefix(remaining, "/")
				}
				matched, _ = filepath.Match(suffix, remaining)
				return matched
			}

			return strings.HasSuffix(path, suffix) || strings.Contains(path, suffix)
		}
	}

	// Standard glob match
	matched, _ := filepath.Match(pattern, path)
	if matched {
		return true
	}

	// Try matching against basename
	base := filepath.Base(path)
	matched, _ = filepath.Match(pattern, base)
	return matched
}
