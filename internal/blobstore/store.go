// SPDX-License-Identifier: Apache-2.0

// Package blobstore persists binary artifacts and serves the public ones over HTTP.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	metaSuffix = ".meta.json"
	probeName  = ".probe"

	privateMode os.FileMode = 0o600
	publicMode  os.FileMode = 0o644
)

var ErrInvalidName = errors.New("invalid object name")
var ErrNotFound = errors.New("object not found")

type objectMeta struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Store keeps objects on an afero filesystem. Objects are private when written
// and only served after MakePublic.
type Store struct {
	fs      afero.Fs
	baseURL string
}

func New(fsys afero.Fs, publicBaseURL string) *Store {
	return &Store{
		fs:      fsys,
		baseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

// NewOS returns a store rooted at dir on the local disk.
func NewOS(dir, publicBaseURL string) (*Store, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
	}
	return New(afero.NewBasePathFs(osfs, dir), publicBaseURL), nil
}

// Check verifies the store is writable.
func (s *Store) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, probeName, []byte("ok"), privateMode); err != nil {
		return fmt.Errorf("blob store not writable: %w", err)
	}
	return s.fs.Remove(probeName)
}

// Put writes data under name with its content type and metadata.
func (s *Store) Put(ctx context.Context, name string, data []byte, contentType string, metadata map[string]string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if dir := path.Dir(name); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", name, err)
		}
	}

	meta, err := json.Marshal(objectMeta{
		ContentType: contentType,
		Metadata:    metadata,
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", name, err)
	}

	if err := afero.WriteFile(s.fs, name, data, privateMode); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.fs.Chmod(name, privateMode); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := afero.WriteFile(s.fs, name+metaSuffix, meta, privateMode); err != nil {
		return fmt.Errorf("write metadata for %s: %w", name, err)
	}

	return nil
}

// MakePublic allows the object to be served by Handler.
func (s *Store) MakePublic(ctx context.Context, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Chmod(name, publicMode); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("make %s public: %w", name, err)
	}
	return nil
}

// URL returns the public URL of name.
func (s *Store) URL(name string) string {
	u, err := url.JoinPath(s.baseURL, strings.Split(strings.TrimLeft(name, "/"), "/")...)
	if err != nil {
		return s.baseURL + "/" + strings.TrimLeft(name, "/")
	}
	return u
}

// Metadata returns the content type and metadata stored with name.
func (s *Store) Metadata(name string) (string, map[string]string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", nil, err
	}
	raw, err := afero.ReadFile(s.fs, name+metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}

	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", nil, fmt.Errorf("decode metadata for %s: %w", name, err)
	}
	return meta.ContentType, meta.Metadata, nil
}

// Handler serves public objects. Request paths are object names.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, err := cleanName(r.URL.Path)
		if err != nil || strings.HasSuffix(name, metaSuffix) {
			http.NotFound(w, r)
			return
		}

		info, err := s.fs.Stat(name)
		if err != nil || info.IsDir() || info.Mode().Perm()&0o004 == 0 {
			http.NotFound(w, r)
			return
		}

		f, err := s.fs.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		if contentType, _, err := s.Metadata(name); err == nil && contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeContent(w, r, path.Base(name), info.ModTime(), f)
	})
}

func cleanName(name string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(name), "/")
	if trimmed == "" {
		return "", ErrInvalidName
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidName
	}
	return cleaned, nil
}
