package parser

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalPageList returns the sorted names of all finished page files in dir.
// Temporary files (".tmp") and anything listed in exclusionList are skipped.
func LocalPageList(dir string, exclusionList ...string) ([]string, error) {
	expandedPath, err := ExpandPath(dir)
	if err != nil {
		return nil, err
	}

	exclusions := make(map[string]struct{}, len(exclusionList))
	for _, name := range exclusionList {
		exclusions[name] = struct{}{}
	}

	entries, err := os.ReadDir(expandedPath)
	if err != nil {
		return nil, err
	}

	fileList := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		if _, skip := exclusions[entry.Name()]; skip {
			continue
		}
		fileList = append(fileList, entry.Name())
	}

	sort.Strings(fileList)
	return fileList, nil
}

// ExpandPath expands ~ to the user's home directory, or returns the path as-is
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
