// Package storage resolves job input and output paths to bytes on a
// backend and decodes them into datasets.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabprep/internal/dataset"
)

var (
	// ErrInputNotFound is returned when a referenced object does not exist.
	ErrInputNotFound = errors.New("input not found")

	// ErrUnsupportedFormat is returned for extensions without a codec.
	ErrUnsupportedFormat = dataset.ErrUnsupportedFormat
)

// Backend stores opaque objects under slash-separated keys.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Resolver maps job paths onto a Backend.
type Resolver struct {
	backend Backend
}

func NewResolver(b Backend) *Resolver {
	return &Resolver{backend: b}
}

// CleanKey normalizes p into a relative key. Keys escaping the root are rejected.
func CleanKey(p string) (string, error) {
	k := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("%w: empty path", ErrInputNotFound)
	}
	return k, nil
}

// RawPath is where an upload for clientID is stored.
func RawPath(clientID uuid.UUID, id uuid.UUID, filename string) string {
	return path.Join("raw", clientID.String(), id.String()+"_"+path.Base(strings.ReplaceAll(filename, "\\", "/")))
}

// OutputPath is where the cleaned dataset of a job is written. It keeps the input extension.
func OutputPath(clientID, jobID uuid.UUID, inputPath string) string {
	return path.Join("processed", clientID.String(), jobID.String(), "processed_"+path.Base(inputPath))
}

// Owns reports whether p lies in clientID's raw or processed area.
func Owns(clientID uuid.UUID, p string) bool {
	key, err := CleanKey(p)
	if err != nil {
		return false
	}
	id := clientID.String() + "/"
	return strings.HasPrefix(key, "raw/"+id) || strings.HasPrefix(key, "processed/"+id)
}

// Size returns the stored size of p in bytes.
func (r *Resolver) Size(ctx context.Context, p string) (int64, error) {
	key, err := CleanKey(p)
	if err != nil {
		return 0, err
	}
	if _, err := dataset.FormatFromPath(key); err != nil {
		return 0, err
	}
	return r.backend.Stat(ctx, key)
}

// Load reads and decodes the dataset at p. It also returns the byte size read.
func (r *Resolver) Load(ctx context.Context, p string) (*dataset.Dataset, int64, error) {
	key, err := CleanKey(p)
	if err != nil {
		return nil, 0, err
	}
	format, err := dataset.FormatFromPath(key)
	if err != nil {
		return nil, 0, err
	}
	rc, err := r.backend.Open(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	counter := &countingReader{r: rc}
	ds, err := dataset.Decode(counter, format)
	if err != nil {
		return nil, counter.n, fmt.Errorf("decode %s: %w", key, err)
	}
	return ds, counter.n, nil
}

// Save encodes ds in the format implied by p's extension and stores it.
func (r *Resolver) Save(ctx context.Context, p string, ds *dataset.Dataset) (int64, error) {
	key, err := CleanKey(p)
	if err != nil {
		return 0, err
	}
	format, err := dataset.FormatFromPath(key)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := dataset.Encode(&buf, ds, format); err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	size := int64(buf.Len())
	if err := r.backend.Put(ctx, key, &buf, size, format.ContentType()); err != nil {
		return 0, err
	}
	return size, nil
}

// Upload stores raw bytes at p after checking the extension.
func (r *Resolver) Upload(ctx context.Context, p string, body io.Reader, size int64) error {
	key, err := CleanKey(p)
	if err != nil {
		return err
	}
	format, err := dataset.FormatFromPath(key)
	if err != nil {
		return err
	}
	return r.backend.Put(ctx, key, body, size, format.ContentType())
}

// Open streams the stored object at p.
func (r *Resolver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := CleanKey(p)
	if err != nil {
		return nil, err
	}
	return r.backend.Open(ctx, key)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
