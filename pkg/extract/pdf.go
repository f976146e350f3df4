package extract

import (
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/xerrors"
)

// pdfText extracts the plain text of every page. Hyphenated line
// breaks are healed by the caller.
func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", xerrors.Errorf("failed to open PDF %s: %w", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", xerrors.Errorf("failed to extract page %d of %s: %w", pageNum, path, err)
		}
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
