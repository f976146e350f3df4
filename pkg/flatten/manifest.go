package flatten

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/akaBetsy/cpss/pkg/utils"
)

// Manifest fingerprints the input dataset so an unchanged set of
// service JSONs can skip the rebuild.
type Manifest struct {
	SHA256    string         `json:"sha256"`
	FileCount int            `json:"file_count"`
	Files     []manifestFile `json:"files"`
}

type manifestFile struct {
	Mtime int64  `json:"mtime"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// Fingerprint hashes name, size and mtime of every service JSON in the
// directory. Content hashing would be more precise but the collectors
// only ever write a file once.
func Fingerprint(serviceDir string) (*Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(serviceDir, "modat_service_*_*.json"))
	if err != nil {
		return nil, xerrors.Errorf("failed to glob %s: %w", serviceDir, err)
	}
	sort.Strings(matches)

	files := make([]manifestFile, 0, len(matches))
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil {
			return nil, xerrors.Errorf("failed to stat %s: %w", path, err)
		}
		files = append(files, manifestFile{
			Mtime: st.ModTime().Unix(),
			Name:  filepath.Base(path),
			Size:  st.Size(),
		})
	}

	blob, err := json.Marshal(files)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal fingerprint: %w", err)
	}
	sum := sha256.Sum256(blob)

	return &Manifest{
		SHA256:    hex.EncodeToString(sum[:]),
		FileCount: len(files),
		Files:     files,
	}, nil
}

// LoadManifest reads the stored manifest; a missing or corrupt file
// yields nil so the rebuild simply proceeds.
func LoadManifest(path string) *Manifest {
	var m Manifest
	if err := utils.UnmarshalJSONFile(&m, path); err != nil {
		return nil
	}
	return &m
}

// SaveManifest stores the fingerprint of the dataset just processed.
func SaveManifest(path string, m *Manifest) error {
	if err := utils.WriteJSONFile(path, m); err != nil {
		return xerrors.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
