// Package firmware describes firmware images selected for flashing.
package firmware

import (
	"crypto/sha256"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Image is a firmware file chosen by the user. It is immutable once loaded.
type Image struct {
	Name     string
	Digest   string // hex sha256 of the file content at load time
	Path     string
	Size     int64
	LoadedAt time.Time
}

// Load reads the file at path and records its name and digest.
func Load(path string) (Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Image{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return Image{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Image{}, fmt.Errorf("reading %s: %w", abs, err)
	}

	return Image{
		Name:     filepath.Base(abs),
		Digest:   hex.EncodeToString(h.Sum(nil)),
		Path:     abs,
		Size:     n,
		LoadedAt: time.Now(),
	}, nil
}

// ShortDigest returns the first 12 hex characters of the digest.
func (i Image) ShortDigest() string {
	if len(i.Digest) <= 12 {
		return i.Digest
	}
	return i.Digest[:12]
}

// CheckELF verifies that path is a readable ELF executable with at least
// one loadable segment.
func CheckELF(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("not an ELF image: %w", err)
	}
	defer f.Close()

	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Filesz > 0 {
			return nil
		}
	}
	return fmt.Errorf("%s has no loadable segments", filepath.Base(path))
}

// skipDirs are never descended into by Discover.
var skipDirs = map[string]bool{
	".git":         true,
	".flashloop":   true,
	".venv":        true,
	"node_modules": true,
}

// Discover lists *.elf files below root, newest first.
func Discover(root string) ([]string, error) {
	type found struct {
		path string
		mod  time.Time
	}
	var files []found

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".elf") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, found{path: path, mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].mod.After(files[j].mod)
	})
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
