package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps images in a local directory served under BaseURL.
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore creates the media directory if needed.
func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &FSStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// StoreImages writes every object and returns its URL.
func (s *FSStore) StoreImages(ctx context.Context, objects []Object) ([]string, error) {
	urls := make([]string, 0, len(objects))
	for _, o := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := filepath.Base(o.Name)
		if name == "." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("invalid object name %q", o.Name)
		}
		if err := os.WriteFile(filepath.Join(s.dir, name), o.Data, 0o640); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		urls = append(urls, s.baseURL+"/"+url.PathEscape(name))
	}
	return urls, nil
}

// DeleteImages removes the files behind urls. Unknown URLs and missing files
// are ignored.
func (s *FSStore) DeleteImages(_ context.Context, urls []string) error {
	var errs []error
	for _, u := range urls {
		escaped, ok := strings.CutPrefix(u, s.baseURL+"/")
		if !ok {
			continue
		}
		name, err := url.PathUnescape(escaped)
		if err != nil {
			errs = append(errs, fmt.Errorf("unescape %s: %w", u, err))
			continue
		}
		err = os.Remove(filepath.Join(s.dir, filepath.Base(name)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
