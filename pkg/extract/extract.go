package extract

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/utils"
)

var (
	emailPattern  = regexp.MustCompile(`^[\w.-]+@[\w.-]+\.[a-zA-Z]{2,}`)
	domainPattern = regexp.MustCompile(`^((?:[\w-]+\.)+([a-zA-Z]{2,}))`)
)

const contextWindow = 10

// Extractor scans document text for company domains, accepting a
// candidate only when nearby context backs it up. Accreditation PDFs
// are full of stray dotted tokens; the context check keeps those out.
type Extractor struct {
	tlds   TLDs
	clock  clock.PassiveClock
	logger *log.Logger
}

type Option func(*Extractor)

func WithClock(c clock.PassiveClock) Option {
	return func(e *Extractor) {
		e.clock = c
	}
}

func NewExtractor(tlds TLDs, opts ...Option) *Extractor {
	e := &Extractor{
		tlds:   tlds,
		clock:  clock.RealClock{},
		logger: log.WithPrefix("extract"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result splits the findings by how they were verified.
type Result struct {
	All           []string
	EmailVerified []string
	WebVerified   []string
}

// Verified returns the deduplicated, sorted union of both verified
// lists. Only these make it into the scan list.
func (r *Result) Verified() []string {
	s := set.NewOrdered[string]()
	s.Append(r.EmailVerified...)
	s.Append(r.WebVerified...)
	return s.Values()
}

// ExtractText scans plain text for domains. Email domains count when
// "e-mail" appears within the ten preceding words, bare domains when
// "website" does.
func (e *Extractor) ExtractText(text string) *Result {
	text = strings.ReplaceAll(text, "-\n", "")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.Trim(text, " \t\r\n.,;:")
	words := strings.Fields(text)

	res := &Result{}
	for i, token := range words {
		if emailPattern.MatchString(token) {
			if _, domPart, ok := strings.Cut(token, "@"); ok {
				dom := CleanDomain(domPart)
				res.All = append(res.All, dom)
				if hasContext(words, i, "e-mail") {
					res.EmailVerified = append(res.EmailVerified, dom)
				}
			}
		}

		if m := domainPattern.FindStringSubmatch(token); m != nil {
			fullDom, tld := m[1], m[2]
			if !e.tlds.Contains(strings.ToLower(tld)) {
				continue
			}
			dom := CleanDomain(fullDom)
			res.All = append(res.All, dom)
			if hasContext(words, i, "website") {
				res.WebVerified = append(res.WebVerified, dom)
			}
		}
	}
	return res
}

// ExtractFile reads a source document, .pdf or plain text, and runs
// the extraction over it.
func (e *Extractor) ExtractFile(path string) (*Result, error) {
	var text string
	var err error
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err = pdfText(path)
	} else {
		text, err = textFile(path)
	}
	if err != nil {
		return nil, err
	}
	return e.ExtractText(text), nil
}

// outputPrefix names the generated domain lists so a later run never
// mistakes one for a source document.
const outputPrefix = "cpss_scan_domains_"

// Run extracts from the newest source document in inputDir, PDF or
// plain text, and writes the verified domain list next to it.
func (e *Extractor) Run(ctx context.Context, inputDir string) (string, error) {
	src, err := sourceDocument(inputDir)
	if err != nil {
		return "", xerrors.Errorf("no source document in %s: %w", inputDir, err)
	}

	res, err := e.ExtractFile(src)
	if err != nil {
		return "", err
	}
	verified := res.Verified()

	e.logger.Info("Extraction finished",
		log.FilePath(src),
		log.Int("email_verified", len(unique(res.EmailVerified))),
		log.Int("web_verified", len(unique(res.WebVerified))),
		log.Int("combined", len(verified)))

	dateStr := e.clock.Now().UTC().Format("20060102")
	outPath := filepath.Join(inputDir, outputPrefix+dateStr+".txt")
	if err := utils.WriteLines(outPath, verified); err != nil {
		return "", xerrors.Errorf("failed to write domain list: %w", err)
	}
	return outPath, nil
}

// sourceDocument picks the newest PDF or text file in dir, skipping
// domain lists written by earlier runs.
func sourceDocument(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", xerrors.Errorf("failed to read %s: %w", dir, err)
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".pdf" && ext != ".txt" {
			continue
		}
		if strings.HasPrefix(name, outputPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", xerrors.Errorf("failed to stat %s: %w", name, err)
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(dir, name)
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", xerrors.New("no PDF or text file found")
	}
	return newest, nil
}

// CleanDomain normalizes a candidate: lowercase, punctuation trimmed,
// leading www. stripped.
func CleanDomain(domain string) string {
	cleaned := strings.Trim(strings.ToLower(domain), ".,;:")
	return strings.TrimPrefix(cleaned, "www.")
}

func hasContext(words []string, index int, keyword string) bool {
	start := index - contextWindow
	if start < 0 {
		start = 0
	}
	context := strings.ToLower(strings.Join(words[start:index], " "))
	return strings.Contains(context, strings.ToLower(keyword))
}

func unique(items []string) []string {
	s := set.New[string]()
	s.Append(items...)
	return s.Values()
}

func textFile(path string) (string, error) {
	lines, err := utils.ReadLines(path)
	if err != nil {
		return "", xerrors.Errorf("failed to read %s: %w", path, err)
	}
	return strings.Join(lines, "\n"), nil
}
