// SPDX-License-Identifier: Apache-2.0

package migrations

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"slices"
	"strings"
)

//go:embed *.sql
var embeddedFiles embed.FS

type File struct {
	Name string
	SQL  string
	// Checksum is the hex SHA-256 of SQL.
	Checksum string
}

// Ordered returns the embedded SQL files sorted by name.
func Ordered() ([]File, error) {
	entries, err := fs.ReadDir(embeddedFiles, ".")
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		body, err := embeddedFiles.ReadFile(entry.Name())
		if err != nil {
			return nil, err
		}

		sum := sha256.Sum256(body)
		files = append(files, File{
			Name:     entry.Name(),
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(files, func(a, b File) int {
		return strings.Compare(a.Name, b.Name)
	})
	for i := 1; i < len(files); i++ {
		if version(files[i].Name) == version(files[i-1].Name) {
			return nil, fmt.Errorf("duplicate migration version in %s and %s", files[i-1].Name, files[i].Name)
		}
	}

	return files, nil
}

// version is the numeric prefix of a migration file name.
func version(name string) string {
	prefix, _, _ := strings.Cut(name, "_")
	return prefix
}
