// Package pkgstore keeps uploaded package files and their activated,
// unpacked versions under one agent root.
//
// Layout:
//
//	<root>/<pkg>/files/<file>          uploaded bodies
//	<root>/<pkg>/versions/<digest>/    unpacked contents
//	<root>/<pkg>/current -> versions/<digest>
package pkgstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/zeebo/blake3"
)

const currentLink = "current"

var (
	ErrInvalidName  = errors.New("pkgstore: invalid name")
	ErrNoSuchFile   = errors.New("pkgstore: no such package file")
	ErrNotActivated = errors.New("pkgstore: package not activated")
	ErrUnsafePath   = errors.New("pkgstore: archive entry escapes package")
)

type FileInfo struct {
	Name   string
	Size   int64
	Digest string
}

type Package struct {
	Name    string
	Current string
	Files   []FileInfo
}

type Store struct {
	root string
}

func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("pkgstore: mkdir %q: %w", abs, err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// ValidName rejects names that could leave the store.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) pkgDir(pkg string) string { return filepath.Join(s.root, pkg) }

// Upload streams one package body to a temp file; Commit moves it into
// place.
type Upload struct {
	pkg    string
	file   string
	dest   string
	tmp    *os.File
	hasher *blake3.Hasher
	size   int64
}

func (s *Store) Receive(pkg, file string) (*Upload, error) {
	if err := ValidName(pkg); err != nil {
		return nil, err
	}
	if err := ValidName(file); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.pkgDir(pkg), "files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+file+".*")
	if err != nil {
		return nil, err
	}
	return &Upload{
		pkg:    pkg,
		file:   file,
		dest:   filepath.Join(dir, file),
		tmp:    tmp,
		hasher: blake3.New(),
	}, nil
}

func (u *Upload) Write(p []byte) (int, error) {
	n, err := u.tmp.Write(p)
	u.hasher.Write(p[:n])
	u.size += int64(n)
	return n, err
}

func (u *Upload) Commit() (FileInfo, error) {
	if err := u.tmp.Close(); err != nil {
		_ = os.Remove(u.tmp.Name())
		return FileInfo{}, err
	}
	if err := os.Rename(u.tmp.Name(), u.dest); err != nil {
		_ = os.Remove(u.tmp.Name())
		return FileInfo{}, err
	}
	info := FileInfo{Name: u.file, Size: u.size, Digest: hex.EncodeToString(u.hasher.Sum(nil))}
	logging.Infof("pkgstore.Commit stored pkg=%q file=%q size=%d digest=%s", u.pkg, u.file, info.Size, info.Digest)
	return info, nil
}

func (u *Upload) Discard() {
	_ = u.tmp.Close()
	_ = os.Remove(u.tmp.Name())
}

// Digest hashes a stored package file.
func (s *Store) Digest(pkg, file string) (FileInfo, error) {
	if err := ValidName(pkg); err != nil {
		return FileInfo{}, err
	}
	if err := ValidName(file); err != nil {
		return FileInfo{}, err
	}
	path := filepath.Join(s.pkgDir(pkg), "files", file)
	return digestFile(path, file)
}

// DigestFile hashes any local file the way stored package files are hashed.
func DigestFile(path string) (FileInfo, error) {
	return digestFile(path, filepath.Base(path))
}

func digestFile(path, name string) (FileInfo, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNoSuchFile, name)
	}
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: name, Size: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

// Install unpacks a stored file into versions/<digest> and atomically
// points current at it. Returns the activated directory.
func (s *Store) Install(pkg, file string) (string, error) {
	info, err := s.Digest(pkg, file)
	if err != nil {
		return "", err
	}
	pkgDir := s.pkgDir(pkg)
	src := filepath.Join(pkgDir, "files", file)
	version := filepath.Join(pkgDir, "versions", info.Digest)
	if _, err := os.Stat(version); errors.Is(err, os.ErrNotExist) {
		staging := version + ".partial"
		_ = os.RemoveAll(staging)
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return "", err
		}
		if err := unpack(src, file, staging); err != nil {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("pkgstore: unpack %s/%s: %w", pkg, file, err)
		}
		if err := os.Rename(staging, version); err != nil {
			_ = os.RemoveAll(staging)
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	if err := swapLink(pkgDir, filepath.Join("versions", info.Digest)); err != nil {
		return "", err
	}
	logging.Infof("pkgstore.Install activated pkg=%q file=%q version=%s", pkg, file, info.Digest)
	return version, nil
}

func swapLink(pkgDir, target string) error {
	tmp := filepath.Join(pkgDir, "."+currentLink+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(pkgDir, currentLink)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Current resolves the activated directory of pkg.
func (s *Store) Current(pkg string) (string, error) {
	if err := ValidName(pkg); err != nil {
		return "", err
	}
	link := filepath.Join(s.pkgDir(pkg), currentLink)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotActivated, pkg)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.pkgDir(pkg), target)
	}
	return target, nil
}

// List reports every package with its activated dir and stored files.
func (s *Store) List() ([]Package, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []Package
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := Package{Name: e.Name()}
		if cur, err := s.Current(e.Name()); err == nil {
			p.Current = cur
		}
		files, _ := os.ReadDir(filepath.Join(s.pkgDir(e.Name()), "files"))
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			info, err := digestFile(filepath.Join(s.pkgDir(e.Name()), "files", f.Name()), f.Name())
			if err != nil {
				continue
			}
			p.Files = append(p.Files, info)
		}
		sort.Slice(p.Files, func(i, j int) bool { return p.Files[i].Name < p.Files[j].Name })
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
