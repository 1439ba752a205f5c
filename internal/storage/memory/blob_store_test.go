package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()
	store := NewBlobStore()
	payload := []byte("<html>pie</html>")

	uri, err := store.PutObject(context.Background(), "/pages/example.com/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/example.com/abc.html", uri)

	obj, ok := store.Get("pages/example.com/abc.html")
	require.True(t, ok)
	require.Equal(t, "text/html", obj.ContentType)
	require.Equal(t, payload, obj.Data)

	obj.Data[0] = 'X'
	again, _ := store.Get("pages/example.com/abc.html")
	require.Equal(t, payload, again.Data, "Get returns a copy")
	require.Equal(t, []string{"pages/example.com/abc.html"}, store.Paths())
}

func TestBlobStoreErrors(t *testing.T) {
	t.Parallel()
	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "a", "", failingReader{})
	require.Error(t, err)
	require.Empty(t, store.Paths())
}
