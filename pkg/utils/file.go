package utils

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/akaBetsy/cpss/pkg/log"
)

func FileWalk(root string, walkFn func(r io.Reader, path string) error) error {
	eb := oops.With("root_dir", root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		eb := eb.With("path", path)
		if err != nil {
			return eb.Wrapf(err, "walk dir error")
		} else if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return eb.Wrapf(err, "file info error")
		}

		if info.Size() == 0 {
			log.Info("Invalid file size", log.FilePath(path), log.Int64("size", info.Size()))
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return eb.Wrapf(err, "file open error")
		}
		defer f.Close()

		if err = walkFn(f, path); err != nil {
			return eb.Wrapf(err, "walk error")
		}
		return nil
	})
	if err != nil {
		return eb.Wrapf(err, "file walk error")
	}
	return nil
}

func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

func UnmarshalJSONFile(v any, fileName string) error {
	eb := oops.With("file_name", fileName)

	f, err := os.Open(fileName)
	if err != nil {
		return eb.Wrapf(err, "file open error")
	}
	defer f.Close()

	if err = json.NewDecoder(f).Decode(v); err != nil {
		return eb.Wrapf(err, "json decode error")
	}
	return nil
}

// WriteJSONFile writes v as indented JSON through a temporary file so an
// interrupted run never leaves a half-written artifact behind.
func WriteJSONFile(fileName string, v any) error {
	eb := oops.With("file_name", fileName)

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eb.Wrapf(err, "json marshal error")
	}

	tmp := fileName + ".tmp"
	if err = os.WriteFile(tmp, b, 0o644); err != nil {
		return eb.Wrapf(err, "file write error")
	}
	if err = os.Rename(tmp, fileName); err != nil {
		return eb.Wrapf(err, "file rename error")
	}
	return nil
}

// NewestFile returns the most recently modified file in dir with one of
// the given extensions (e.g. ".txt"). Extensions are matched case-insensitively.
func NewestFile(dir string, exts ...string) (string, error) {
	eb := oops.With("dir_path", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eb.Wrapf(err, "read dir error")
	}

	var newest string
	var newestInfo fs.FileInfo
	for _, e := range entries {
		if e.IsDir() || !matchExt(e.Name(), exts) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return "", eb.Wrapf(err, "file info error")
		}
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) {
			newest = filepath.Join(dir, e.Name())
			newestInfo = info
		}
	}
	if newest == "" {
		return "", eb.Errorf("no matching files")
	}
	return newest, nil
}

func matchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(name)
	for _, want := range exts {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
