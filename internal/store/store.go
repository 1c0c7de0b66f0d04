// Package store implements a small content-addressed file store. The
// launch command line references the registered copy of the keys
// directory, so the reference stays valid however the working directory
// changes after registration.
package store

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/builder-vm/controller/internal/core"
	"github.com/builder-vm/controller/internal/errors"
)

// dirDomainKey is the 32-byte key for BLAKE3 keyed hashing of directory
// manifests. Fixed constant; changing it invalidates every existing store
// entry. ASCII so the key is readable in hex dumps.
var dirDomainKey = [32]byte{
	'b', 'u', 'i', 'l', 'd', 'e', 'r', '.', 's', 't', 'o', 'r', 'e', '.',
	'd', 'i', 'r', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// refLen is the number of hex digest characters used in entry names.
const refLen = 12

// Store manages a directory of immutable, content-addressed copies.
// Entries are never mutated after creation; re-registering identical
// content returns the existing entry.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the given directory, creating it if
// needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeRegistration, "creating store root")
	}
	return &Store{root: root}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// Register copies the regular files of dir into the store under a name
// derived from their content and returns an immutable reference to the
// copy. Fails when dir is missing or holds no regular files.
func (s *Store) Register(dir string) (core.ImmutablePathRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return core.ImmutablePathRef{}, errors.Wrap(err, errors.CodeRegistration,
			"reading source directory")
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return core.ImmutablePathRef{}, errors.New(errors.CodeRegistration,
			"source directory holds no regular files").
			WithContext("dir", dir)
	}

	digest, err := hashDir(dir, names)
	if err != nil {
		return core.ImmutablePathRef{}, err
	}

	ref := core.ImmutablePathRef{
		Path:   filepath.Join(s.root, digest[:refLen]+"-"+filepath.Base(dir)),
		Digest: digest,
	}

	if _, err := os.Stat(ref.Path); err == nil {
		// Entry contents are immutable, so an existing entry with this
		// digest is already correct.
		return ref, nil
	}

	if err := s.materialize(dir, names, ref.Path); err != nil {
		return core.ImmutablePathRef{}, err
	}

	return ref, nil
}

// hashDir computes the keyed BLAKE3 digest of a canonical manifest of the
// named files: for each file (names come pre-sorted from ReadDir), the
// name, mode bits, length, and content.
func hashDir(dir string, names []string) (string, error) {
	hasher, err := blake3.NewKeyed(dirDomainKey[:])
	if err != nil {
		return "", errors.Wrap(err, errors.CodeRegistration, "initializing hasher")
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return "", errors.Wrap(err, errors.CodeRegistration, "stat source file")
		}

		hasher.Write([]byte(name))
		hasher.Write([]byte{0})
		var meta [12]byte
		binary.BigEndian.PutUint32(meta[:4], uint32(info.Mode().Perm()))
		binary.BigEndian.PutUint64(meta[4:], uint64(info.Size()))
		hasher.Write(meta[:])

		f, err := os.Open(path)
		if err != nil {
			return "", errors.Wrap(err, errors.CodeRegistration, "open source file")
		}
		_, err = io.Copy(hasher, f)
		f.Close()
		if err != nil {
			return "", errors.Wrap(err, errors.CodeRegistration, "hash source file")
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// materialize copies the named files into a fresh entry directory and
// drops all write bits so the entry is immutable. The entry is built under
// a temporary name and renamed into place so a partially copied entry is
// never visible under its final name.
func (s *Store) materialize(dir string, names []string, target string) error {
	tmp, err := os.MkdirTemp(s.root, ".reg-")
	if err != nil {
		return errors.Wrap(err, errors.CodeRegistration, "creating staging directory")
	}
	defer os.RemoveAll(tmp)

	for _, name := range names {
		if err := copyFile(filepath.Join(dir, name), filepath.Join(tmp, name)); err != nil {
			return err
		}
	}

	if err := os.Chmod(tmp, 0o555); err != nil {
		return errors.Wrap(err, errors.CodeRegistration, "sealing entry")
	}

	if err := os.Rename(tmp, target); err != nil {
		// A concurrent registration of identical content may have won the
		// rename; the existing entry is equally valid.
		if _, statErr := os.Stat(target); statErr == nil {
			return nil
		}
		return errors.Wrap(err, errors.CodeRegistration, "committing entry")
	}

	return nil
}

// copyFile copies src to dst, preserving permission bits minus all write
// bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, errors.CodeRegistration, "stat source file")
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, errors.CodeRegistration, "open source file")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()&^0o222)
	if err != nil {
		return errors.Wrap(err, errors.CodeRegistration, "create entry file")
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrap(err, errors.CodeRegistration, "copy entry file")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, errors.CodeRegistration, "flush entry file")
	}

	return nil
}
