// Package storage keeps staged pages and the run summary as JSON documents on disk.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultDir is where documents live when no directory is configured
	DefaultDir    = "data"
	fileExtension = ".json"
)

// ErrNotFound is returned by Get when no document exists for a key
var ErrNotFound = errors.New("document not found")

// Error describes a failed storage operation on a key
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store maps keys to JSON files inside a single directory.
// Keys are unique per page so concurrent writers never share a file.
type Store struct {
	dir string
}

// New creates a store rooted at dir. The directory is created on first Put.
func New(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir}
}

// Dir returns the storage directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path backing key
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+fileExtension)
}

// Put serializes v and writes it under key.
// The document is written to a temp file and renamed, so readers never see partial JSON.
func (s *Store) Put(key string, v interface{}) error {
	if err := validateKey(key); err != nil {
		return &Error{Op: "put", Key: key, Err: err}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return &Error{Op: "put", Key: key, Err: fmt.Errorf("failed to marshal document: %w", err)}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &Error{Op: "put", Key: key, Err: fmt.Errorf("failed to create storage directory: %w", err)}
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return &Error{Op: "put", Key: key, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &Error{Op: "put", Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &Error{Op: "put", Key: key, Err: err}
	}

	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		os.Remove(tmpName)
		return &Error{Op: "put", Key: key, Err: err}
	}

	return nil
}

// Get reads the document stored under key into v
func (s *Store) Get(key string, v interface{}) error {
	if err := validateKey(key); err != nil {
		return &Error{Op: "get", Key: key, Err: err}
	}

	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Error{Op: "get", Key: key, Err: ErrNotFound}
		}
		return &Error{Op: "get", Key: key, Err: err}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Op: "get", Key: key, Err: fmt.Errorf("failed to parse document: %w", err)}
	}

	return nil
}

// Keys lists stored document keys in lexical order
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &Error{Op: "list", Key: "*", Err: err}
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExtension))
	}
	sort.Strings(keys)

	return keys, nil
}

// Clear removes every document from a previous run
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return &Error{Op: "clear", Key: "*", Err: err}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
