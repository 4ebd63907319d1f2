package sink

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MergeLogs concatenates every *.csv file under dir, in path order, into w.
// Each file is preceded by a "--- <name> ---" separator. A file that cannot
// be read gets an "(error)" separator and its error text instead of
// aborting the merge. It returns the number of files merged.
func MergeLogs(dir string, w io.Writer) (int, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".csv") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)

	merged := 0
	for _, path := range files {
		name, err := filepath.Rel(dir, path)
		if err != nil {
			name = path
		}
		name = filepath.ToSlash(name)

		data, err := os.ReadFile(path)
		if err != nil {
			if _, werr := fmt.Fprintf(w, "\n\n--- %s (error) ---\n%v", name, err); werr != nil {
				return merged, werr
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "\n\n--- %s ---\n%s", name, data); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}
