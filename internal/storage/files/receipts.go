// Package files stores payment receipts on the local filesystem.
package files

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

var (
	// ErrTooLarge is returned when a receipt exceeds the configured size.
	ErrTooLarge = errors.New("receipt too large")
	// ErrUnsupportedType is returned for receipts that are not images or PDFs.
	ErrUnsupportedType = errors.New("unsupported receipt type")
)

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

var _ payment.ReceiptStore = (*ReceiptStore)(nil)

// ReceiptStore writes receipts under a directory. The content type is
// sniffed from the body, never taken from the client.
type ReceiptStore struct {
	dir     string
	maxSize int64
}

// NewReceiptStore creates dir if needed.
func NewReceiptStore(dir string, maxSize int64) (*ReceiptStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create receipt dir")
	}
	return &ReceiptStore{dir: dir, maxSize: maxSize}, nil
}

// Save writes the evidence as name plus a sniffed extension and returns the
// stored file name.
func (s *ReceiptStore) Save(ctx context.Context, name string, ev payment.Evidence) (string, error) {
	if err := checkSize(ev, s.maxSize); err != nil {
		return "", err
	}

	head, ctype, err := sniff(ev.Body)
	if err != nil {
		return "", err
	}
	ext := extensions[ctype]
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := filepath.Base(name) + ext
	path := filepath.Join(s.dir, ref)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", errors.Wrap(err, "create receipt file")
	}

	body := io.MultiReader(bytes.NewReader(head), ev.Body)
	if s.maxSize > 0 {
		body = io.LimitReader(body, s.maxSize+1)
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && written > s.maxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", errors.Wrap(err, "write receipt")
	}
	return ref, nil
}

// Inspect rejects a receipt whose declared size exceeds maxSize or whose
// content is not an accepted type, before anything is persisted. The bytes
// read for sniffing are put back in front of ev.Body and ev.ContentType is
// replaced by the sniffed type.
func Inspect(ev *payment.Evidence, maxSize int64) error {
	if err := checkSize(*ev, maxSize); err != nil {
		return err
	}
	head, ctype, err := sniff(ev.Body)
	if err != nil {
		return err
	}
	ev.ContentType = ctype
	ev.Body = io.MultiReader(bytes.NewReader(head), ev.Body)
	return nil
}

func checkSize(ev payment.Evidence, maxSize int64) error {
	if ev.Body == nil {
		return errors.Wrap(ErrUnsupportedType, "empty receipt")
	}
	if maxSize > 0 && ev.Size > maxSize {
		return ErrTooLarge
	}
	return nil
}

// sniff reads up to 512 bytes and returns them with the accepted media type.
func sniff(body io.Reader) ([]byte, string, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return nil, "", errors.Wrap(ErrUnsupportedType, "empty receipt")
		}
		return nil, "", errors.Wrap(err, "read receipt")
	}
	head = head[:n]

	ctype := http.DetectContentType(head)
	if i := strings.IndexByte(ctype, ';'); i >= 0 {
		ctype = ctype[:i]
	}
	if _, ok := extensions[ctype]; !ok {
		return nil, "", errors.Wrapf(ErrUnsupportedType, "%s", ctype)
	}
	return head, ctype, nil
}
