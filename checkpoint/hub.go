// Package checkpoint fetches, caches and decodes pretrained PyTorch
// checkpoints of the residual trunks.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	ts "github.com/sugarme/gotch/tensor"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownArch = errors.New("checkpoint: no pretrained weights for architecture")
	ErrFetch       = errors.New("checkpoint: fetch failed")
)

// ModelURLs is the torchvision model zoo, keyed by architecture name.
var ModelURLs = map[string]string{
	"resnet18":         "https://download.pytorch.org/models/resnet18-5c106cde.pth",
	"resnet34":         "https://download.pytorch.org/models/resnet34-333f7ec4.pth",
	"resnet50":         "https://download.pytorch.org/models/resnet50-19c8e357.pth",
	"resnet101":        "https://download.pytorch.org/models/resnet101-5d3b4d8f.pth",
	"resnet152":        "https://download.pytorch.org/models/resnet152-b121ed2d.pth",
	"resnext50_32x4d":  "https://download.pytorch.org/models/resnext50_32x4d-7cdf4587.pth",
	"resnext101_32x8d": "https://download.pytorch.org/models/resnext101_32x8d-8ba56ff5.pth",
	"wide_resnet50_2":  "https://download.pytorch.org/models/wide_resnet50_2-95faca4d.pth",
	"wide_resnet101_2": "https://download.pytorch.org/models/wide_resnet101_2-32ee1156.pth",
}

// Hub downloads checkpoints into a local cache directory. A Hub is safe for
// concurrent use; simultaneous fetches of one URL share a single download.
type Hub struct {
	CacheDir string
	Client   *http.Client
	// URLs overrides ModelURLs when non-nil.
	URLs map[string]string

	group singleflight.Group
}

// NewHub returns a Hub caching into dir.
func NewHub(dir string) *Hub {
	return &Hub{CacheDir: dir, Client: http.DefaultClient}
}

// URL returns the checkpoint URL of arch.
func (h *Hub) URL(arch string) (string, error) {
	urls := h.URLs
	if urls == nil {
		urls = ModelURLs
	}
	u, ok := urls[arch]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownArch, arch)
	}
	return u, nil
}

// CachePath is where the checkpoint at url is stored.
func (h *Hub) CachePath(url string) string {
	return filepath.Join(h.CacheDir, path.Base(url))
}

// Fetch returns the local path of the checkpoint at url, downloading it first
// if it is not cached yet. The shared download is detached from ctx, so a
// caller that gives up does not fail the others waiting on it.
func (h *Hub) Fetch(ctx context.Context, url string) (string, error) {
	dst := h.CachePath(url)
	if _, err := os.Stat(dst); err == nil {
		slog.Debug("checkpoint cache hit", "path", dst)
		return dst, nil
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetch, err)
	}

	ch := h.group.DoChan(url, func() (interface{}, error) {
		if _, err := os.Stat(dst); err == nil {
			return nil, nil
		}
		return nil, h.download(context.WithoutCancel(ctx), url, dst)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
	}

	return dst, nil
}

func (h *Hub) download(ctx context.Context, url, dst string) error {
	slog.Info("downloading checkpoint", "url", url, "dst", dst)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: %s", ErrFetch, url, resp.Status)
	}

	f, err := os.CreateTemp(filepath.Dir(dst), path.Base(dst)+"-partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		return err
	}

	slog.Debug("checkpoint downloaded", "path", dst, "bytes", n)
	return nil
}

// StateDict fetches the checkpoint of arch and decodes the named entries.
// The caller owns the returned tensors.
func (h *Hub) StateDict(ctx context.Context, arch string, keys ...string) (map[string]*ts.Tensor, error) {
	url, err := h.URL(arch)
	if err != nil {
		return nil, err
	}
	slog.Info("pretrained model", "arch", arch, "url", url)

	p, err := h.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	return Load(p, keys...)
}
