package files

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestReceiptStore_Save(t *testing.T) {
	dir := t.TempDir()
	s, err := NewReceiptStore(dir, 1<<20)
	require.NoError(t, err)

	body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 1024)...)
	ref, err := s.Save(context.Background(), "tx-1", payment.Evidence{
		Filename: "receipt.png", Size: int64(len(body)), Body: bytes.NewReader(body),
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-1.png", ref)

	stored, err := os.ReadFile(filepath.Join(dir, ref))
	require.NoError(t, err)
	assert.Equal(t, body, stored)
}

func TestReceiptStore_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		maxSize int64
		body    []byte
		size    int64
		wantErr error
	}{
		{name: "declared too large", maxSize: 10, body: pngHeader, size: 100, wantErr: ErrTooLarge},
		{name: "actual too large", maxSize: 32, body: append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 64)...), wantErr: ErrTooLarge},
		{name: "plain text", maxSize: 1 << 20, body: []byte("hello, this is not a receipt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s, err := NewReceiptStore(dir, tt.maxSize)
			require.NoError(t, err)

			_, err = s.Save(context.Background(), "tx", payment.Evidence{Size: tt.size, Body: bytes.NewReader(tt.body)})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.ErrorIs(t, err, ErrUnsupportedType)
			}

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestReceiptStore_NoOverwrite(t *testing.T) {
	s, err := NewReceiptStore(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = s.Save(context.Background(), "tx", payment.Evidence{Body: bytes.NewReader(pngHeader)})
	require.NoError(t, err)
	_, err = s.Save(context.Background(), "tx", payment.Evidence{Body: bytes.NewReader(pngHeader)})
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	t.Run("accepted receipt is readable in full", func(t *testing.T) {
		body := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{1}, 1024)...)
		ev := payment.Evidence{ContentType: "text/plain", Size: int64(len(body)), Body: bytes.NewReader(body)}

		require.NoError(t, Inspect(&ev, 1<<20))
		assert.Equal(t, "image/png", ev.ContentType)
		got, err := io.ReadAll(ev.Body)
		require.NoError(t, err)
		assert.Equal(t, body, got)
	})
	t.Run("inspected receipt can still be saved", func(t *testing.T) {
		s, err := NewReceiptStore(t.TempDir(), 1<<20)
		require.NoError(t, err)
		ev := payment.Evidence{Size: int64(len(pngHeader)), Body: bytes.NewReader(pngHeader)}

		require.NoError(t, Inspect(&ev, 1<<20))
		ref, err := s.Save(context.Background(), "tx", ev)
		require.NoError(t, err)
		assert.Equal(t, "tx.png", ref)
	})

	tests := []struct {
		name    string
		body    []byte
		size    int64
		wantErr error
	}{
		{name: "declared too large", body: pngHeader, size: 100, wantErr: ErrTooLarge},
		{name: "plain text", body: []byte("hello, this is not a receipt"), wantErr: ErrUnsupportedType},
		{name: "empty", body: nil, wantErr: ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := payment.Evidence{Size: tt.size, Body: bytes.NewReader(tt.body)}
			assert.ErrorIs(t, Inspect(&ev, 32), tt.wantErr)
		})
	}
}
