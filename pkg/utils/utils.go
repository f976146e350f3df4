package utils

import (
	"bufio"
	"os"
	"strings"

	"github.com/samber/oops"
)

// SafeName turns a domain or IP into a filename-safe label the way the
// staging area names its per-subject JSON files.
func SafeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "-")
	return s
}

// ReadLines returns the non-empty, trimmed lines of a text file.
func ReadLines(fileName string) ([]string, error) {
	eb := oops.With("file_name", fileName)

	f, err := os.Open(fileName)
	if err != nil {
		return nil, eb.Wrapf(err, "file open error")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, eb.Wrapf(err, "file scan error")
	}
	return lines, nil
}

// WriteLines writes lines to a text file, one per line with a trailing newline.
func WriteLines(fileName string, lines []string) error {
	eb := oops.With("file_name", fileName)

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(fileName, []byte(sb.String()), 0o644); err != nil {
		return eb.Wrapf(err, "file write error")
	}
	return nil
}
