package nvd

import (
	"context"
	"errors"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
	"gopkg.in/cheggaaa/pb.v1"
	"k8s.io/utils/clock"

	"github.com/akaBetsy/cpss/pkg/config"
	"github.com/akaBetsy/cpss/pkg/db"
	"github.com/akaBetsy/cpss/pkg/log"
	"github.com/akaBetsy/cpss/pkg/set"
	"github.com/akaBetsy/cpss/pkg/types"
	"github.com/akaBetsy/cpss/pkg/utils"
)

// checkpointEvery is how many fetched records accumulate before they
// are committed to the store mid-run.
const checkpointEvery = 25

// Updater fetches missing CVE records into the local cache.
type Updater struct {
	client  *Client
	dbc     db.Operation
	cfg     config.NVDConfig
	refresh bool
	clock   clock.Clock
	logger  *log.Logger
}

type UpdaterOption func(*Updater)

func WithClock(c clock.Clock) UpdaterOption {
	return func(u *Updater) {
		u.clock = c
	}
}

func WithDB(dbc db.Operation) UpdaterOption {
	return func(u *Updater) {
		u.dbc = dbc
	}
}

func WithClient(c *Client) UpdaterOption {
	return func(u *Updater) {
		u.client = c
	}
}

// WithRefresh re-fetches CVEs that are already cached.
func WithRefresh(refresh bool) UpdaterOption {
	return func(u *Updater) {
		u.refresh = refresh
	}
}

func NewUpdater(cfg config.NVDConfig, apiKey string, opts ...UpdaterOption) *Updater {
	u := &Updater{
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: log.WithPrefix("nvd"),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = NewClient(cfg, apiKey)
	}
	if u.dbc == nil {
		u.dbc = db.Config{}
	}
	return u
}

// Result summarizes one update run.
type Result struct {
	Requested int
	Fetched   int
	Cached    int
	Failed    []string
}

// Update resolves every given CVE ID against the cache and the API.
// Failures are collected rather than aborting the run; a single
// unknown or withdrawn CVE must not block the rest.
func (u *Updater) Update(ctx context.Context, cveIDs []string) (*Result, error) {
	cached := set.New[string]()
	if !u.refresh {
		known, err := u.dbc.CVEIDs()
		if err != nil {
			return nil, xerrors.Errorf("failed to list cached CVEs: %w", err)
		}
		cached.Append(known...)
	}

	var pending []string
	res := &Result{Requested: len(cveIDs)}
	for _, id := range cveIDs {
		if cached.Contains(id) {
			res.Cached++
			continue
		}
		pending = append(pending, id)
	}
	u.logger.Info("Fetching CVE records", log.Int("pending", len(pending)), log.Int("cached", res.Cached))
	if len(pending) == 0 {
		return res, nil
	}

	bar := pb.StartNew(len(pending))
	defer bar.Finish()

	var records []types.CVERecord
	for _, id := range pending {
		raw, err := u.client.Fetch(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				u.logger.Error("CVE fetch failed", log.String("cve_id", id), log.Err(err))
			}
			res.Failed = append(res.Failed, id)
			bar.Increment()
			continue
		}
		records = append(records, types.CVERecord{
			CveID:     id,
			FetchedAt: u.clock.Now().UTC(),
			Cvss:      SummarizeCvss(raw),
			NVD:       raw,
		})
		res.Fetched++

		// Checkpoint so an interrupted run keeps what it fetched.
		if len(records) >= checkpointEvery {
			if err := u.commit(records); err != nil {
				return nil, err
			}
			records = records[:0]
		}

		bar.Increment()
		u.clock.Sleep(u.cfg.RequestDelay)
	}

	if err := u.commit(records); err != nil {
		return nil, err
	}
	return res, nil
}

func (u *Updater) commit(records []types.CVERecord) error {
	if len(records) == 0 {
		return nil
	}
	err := u.dbc.BatchUpdate(func(tx *bolt.Tx) error {
		for _, record := range records {
			if err := u.dbc.PutCVERecord(tx, record); err != nil {
				return xerrors.Errorf("failed to store %s: %w", record.CveID, err)
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("batch update failed: %w", err)
	}
	return nil
}

// WriteFailed stores the CVE IDs that could not be resolved, one per
// line, so a later run can retry them.
func WriteFailed(dir string, failed []string) (string, error) {
	if len(failed) == 0 {
		return "", nil
	}
	path := filepath.Join(dir, "cve_failed.txt")
	if err := utils.WriteLines(path, failed); err != nil {
		return "", xerrors.Errorf("failed to write failed CVE list: %w", err)
	}
	return path, nil
}
