// Package runlog appends one CSV row per processed subject so an
// interrupted collection run can be audited and resumed.
package runlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/types"
)

var header = []string{"subject", "status", "results", "timestamp"}

type Log struct {
	path  string
	clock clock.PassiveClock
}

type Option func(*Log)

func WithClock(c clock.PassiveClock) Option {
	return func(l *Log) {
		l.clock = c
	}
}

// New creates the log file (and its directory) and writes the header if
// the file is new or empty.
func New(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:  path,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create log dir: %w", err)
	}

	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return l, nil
	}

	if err := l.write(header); err != nil {
		return nil, err
	}
	return l, nil
}

// Append records the outcome for one subject.
func (l *Log) Append(subject string, status types.RunStatus, results int) error {
	ts := l.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
	return l.write([]string{subject, string(status), strconv.Itoa(results), ts})
}

func (l *Log) write(row []string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err = w.Write(row); err != nil {
		return xerrors.Errorf("failed to write run log row: %w", err)
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return xerrors.Errorf("failed to flush run log: %w", err)
	}
	return nil
}
