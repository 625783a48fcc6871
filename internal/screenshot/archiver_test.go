// SPDX-License-Identifier: Apache-2.0

package screenshot

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/browsertest-runner/internal/blobstore"
	"github.com/adiadia/browsertest-runner/internal/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestDecodeStripsDataURLHeader(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(pngBytes)

	plain, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, plain)

	withHeader, err := Decode("data:image/png;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, withHeader)

	unpadded, err := Decode(strings.TrimRight(encoded, "="))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, unpadded)
}

func TestDecodeValidation(t *testing.T) {
	for _, payload := range []string{"", "   ", "data:image/png;base64,", "%%%not-base64%%%"} {
		_, err := Decode(payload)
		var ve *domain.ValidationError
		require.True(t, errors.As(err, &ve), "payload %q: %v", payload, err)
	}
}

func TestArchiveStoresPublicObject(t *testing.T) {
	store := blobstore.New(afero.NewMemMapFs(), "http://blobs.local")
	a := NewArchiver(store, discardLogger())
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }

	url, err := a.Archive(context.Background(), "TEST-001", 2, base64.StdEncoding.EncodeToString(pngBytes))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://blobs.local/screenshots/screenshot-TEST-001-step2-1700000000000-"), url)

	name := strings.TrimPrefix(url, "http://blobs.local/")
	contentType, meta, err := store.Metadata(name)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, map[string]string{
		"testId":    "TEST-001",
		"stepIndex": "2",
		"timestamp": "1700000000000",
	}, meta)
}

func TestArchiveTwiceProducesDistinctURLs(t *testing.T) {
	store := blobstore.New(afero.NewMemMapFs(), "http://blobs.local")
	a := NewArchiver(store, discardLogger())
	fixed := time.UnixMilli(1700000000000)
	a.now = func() time.Time { return fixed }

	payload := base64.StdEncoding.EncodeToString(pngBytes)
	first, err := a.Archive(context.Background(), "T", 1, payload)
	require.NoError(t, err)
	second, err := a.Archive(context.Background(), "T", 1, payload)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

type failingStore struct {
	putErr    error
	publicErr error
}

func (f failingStore) Put(context.Context, string, []byte, string, map[string]string) error {
	return f.putErr
}

func (f failingStore) MakePublic(context.Context, string) error {
	return f.publicErr
}

func (f failingStore) URL(name string) string {
	return "http://x/" + name
}

func TestArchivePropagatesStoreErrors(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(pngBytes)
	boom := errors.New("disk full")

	_, err := NewArchiver(failingStore{putErr: boom}, discardLogger()).Archive(context.Background(), "T", 0, payload)
	assert.ErrorIs(t, err, boom)

	_, err = NewArchiver(failingStore{publicErr: boom}, discardLogger()).Archive(context.Background(), "T", 0, payload)
	assert.ErrorIs(t, err, boom)
}

func TestObjectNameSanitizesTestID(t *testing.T) {
	name := ObjectName("../evil id", 0, time.UnixMilli(5))
	assert.True(t, strings.HasPrefix(name, "screenshots/screenshot-___evil_id-step0-5-"), name)
}
