package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var ErrInvalidMetadata = errors.New("invalid device metadata")

type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MetadataStore keeps the device name and description in sync with a JSON
// file. Keys other than name and description are carried through rewrites
// untouched.
type MetadataStore struct {
	path string
	mu   sync.RWMutex
	doc  map[string]json.RawMessage
	meta Metadata
}

func LoadMetadata(path string) (*MetadataStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s: not a JSON object", ErrInvalidMetadata, path)
	}

	s := &MetadataStore{path: path, doc: doc}
	if s.meta.Name, err = stringField(doc, "name"); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, path, err)
	}
	if s.meta.Description, err = stringField(doc, "description"); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, path, err)
	}
	return s, nil
}

func stringField(doc map[string]json.RawMessage, key string) (string, error) {
	raw, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return v, nil
}

func (s *MetadataStore) Path() string {
	return s.path
}

func (s *MetadataStore) Get() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

func (s *MetadataStore) SetName(name string) error {
	return s.patch("name", name, func(m *Metadata) { m.Name = name })
}

func (s *MetadataStore) SetDescription(description string) error {
	return s.patch("description", description, func(m *Metadata) { m.Description = description })
}

// patch rewrites a single key on disk and only updates the in-memory copy
// once the file has been replaced.
func (s *MetadataStore) patch(key, value string, apply func(*Metadata)) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := make(map[string]json.RawMessage, len(s.doc))
	for k, v := range s.doc {
		doc[k] = v
	}
	doc[key] = raw

	if err := writeFileAtomic(s.path, doc); err != nil {
		return fmt.Errorf("writing metadata file: %w", err)
	}
	s.doc = doc
	apply(&s.meta)
	return nil
}

func writeFileAtomic(path string, doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success
	if info, err := os.Stat(path); err == nil {
		if err := tmp.Chmod(info.Mode().Perm()); err != nil {
			tmp.Close()
			return err
		}
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
