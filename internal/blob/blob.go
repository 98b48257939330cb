// Package blob stores uploaded media on the local filesystem and resolves
// the URLs handed out for it.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const PathPrefix = "/uploads/"

var (
	ErrNotFound = errors.New("blob not found")
	ErrTooLarge = errors.New("blob too large")
	ErrBadURL   = errors.New("not a blob url")
)

type Object struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

// Store is the media collaborator: Put yields a durable URL, Get and Exists
// resolve one.
type Store interface {
	Put(ctx context.Context, filename string, r io.Reader) (Object, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Exists(ctx context.Context, url string) (bool, error)
}

type FSStore struct {
	dir     string
	baseURL string
	maxSize int64
}

func NewFSStore(dir, publicBaseURL string, maxSize int64) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "./uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FSStore{
		dir:     dir,
		baseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		maxSize: maxSize,
	}, nil
}

func (s *FSStore) Dir() string { return s.dir }

// Put writes r under a fresh name. The URL is returned only after the data
// is fsynced and atomically renamed into place.
func (s *FSStore) Put(ctx context.Context, filename string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	name := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ToLower(filepath.Ext(sanitizeFilename(filename)))

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Object{}, err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	sniff := make([]byte, 512)
	n, err := io.ReadFull(src, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Object{}, err
	}
	sniff = sniff[:n]
	if _, err := tmp.Write(sniff); err != nil {
		return Object{}, err
	}
	rest, err := io.Copy(tmp, src)
	if err != nil {
		return Object{}, err
	}
	size := int64(n) + rest
	if s.maxSize > 0 && size > s.maxSize {
		return Object{}, ErrTooLarge
	}

	if err := tmp.Sync(); err != nil {
		return Object{}, err
	}
	if err := tmp.Close(); err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		return Object{}, err
	}
	committed = true
	if err := syncDir(s.dir); err != nil {
		return Object{}, err
	}

	return Object{
		URL:         s.baseURL + PathPrefix + name,
		Name:        sanitizeFilename(filename),
		SizeBytes:   size,
		ContentType: http.DetectContentType(sniff),
	}, nil
}

func (s *FSStore) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(url)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *FSStore) Exists(ctx context.Context, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(url)
	if errors.Is(err, ErrBadURL) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// resolve maps a URL handed out by Put back to its file. Names are single
// path elements; anything else is rejected.
func (s *FSStore) resolve(url string) (string, error) {
	rest := strings.TrimSpace(url)
	if s.baseURL != "" {
		rest = strings.TrimPrefix(rest, s.baseURL)
	}
	name, ok := strings.CutPrefix(rest, PathPrefix)
	if !ok || name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", ErrBadURL
	}
	return filepath.Join(s.dir, name), nil
}

// MediaKind maps a sniffed content type to a message media kind, or "".
func MediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return ""
	}
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.ReplaceAll(name, "..", "")
	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}
	return name
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
