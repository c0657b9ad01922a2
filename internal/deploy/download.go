package deploy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/haatos/simple-lava/internal/action"
	"github.com/haatos/simple-lava/internal/connection"
	"github.com/haatos/simple-lava/internal/httpclient"
	"github.com/haatos/simple-lava/internal/util"
)

// DownloadAction fetches every image of the stanza into the job tmp dir
// and records the local paths in the namespace downloads.
type DownloadAction struct {
	*action.BaseAction
	// Key of the images mapping, "images" unless the strategy uses
	// top level keys such as "image".
	Key string
	// Client is built from the action timeout on first use when nil.
	Client *retryablehttp.Client
}

func NewDownloadAction(key string) *DownloadAction {
	return &DownloadAction{
		BaseAction: action.NewBaseAction(
			"download-retry",
			"download the deployment images",
			"download with retry",
		),
		Key: key,
	}
}

// images returns the image name to url mapping of the stanza.
func (a *DownloadAction) images() map[string]string {
	out := make(map[string]string)
	params := a.Parameters()
	if a.Key != "images" {
		if m := params.Map(a.Key); m != nil && m.String("url") != "" {
			out[a.Key] = m.String("url")
		}
		return out
	}
	images := params.Map("images")
	for name := range images {
		if m := images.Map(name); m != nil && m.String("url") != "" {
			out[name] = m.String("url")
		}
	}
	return out
}

func (a *DownloadAction) Validate() error {
	for name, raw := range a.images() {
		u, err := url.Parse(raw)
		if err != nil {
			a.AddError("image %s: invalid url %q: %v", name, raw, err)
			continue
		}
		switch u.Scheme {
		case "file", "http", "https":
		default:
			a.AddError("image %s: unsupported url scheme %q", name, u.Scheme)
		}
	}
	return a.BaseAction.Validate()
}

func (a *DownloadAction) Run(
	ctx context.Context,
	conn connection.Connection,
	maxEndTime time.Time,
) (connection.Connection, error) {
	tmp, err := jobTmpDir(a.Job())
	if err != nil {
		return conn, err
	}
	if a.Client == nil {
		a.Client = httpclient.New(a.Logger, a.retryOptions())
	}
	ns := a.NamespaceState()
	images := a.images()
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		u, err := url.Parse(images[name])
		if err != nil {
			return conn, action.NewJobError("image %s: %v", name, err)
		}
		dest := filepath.Join(tmp, "downloads", util.SafeName(ns.Name), name, path.Base(u.Path))
		start := time.Now()
		size, err := a.fetch(ctx, u, dest)
		if err != nil {
			return conn, err
		}
		ns.Downloads[name] = dest
		a.Logger.Info().
			Str("image", name).
			Str("url", u.Redacted()).
			Int64("size", size).
			Str("duration", action.FormatDuration(time.Since(start))).
			Msg("downloaded")
	}
	a.Data["downloads"] = len(names)
	return conn, nil
}

// retryOptions spreads the download retries over the action timeout.
// Attempts have no timeout of their own since images can be large.
func (a *DownloadAction) retryOptions() httpclient.Options {
	opts := httpclient.ForTimeout(a.Timeout.Duration)
	opts.Timeout = 0
	opts.RetryStatus = true
	return opts
}

func (a *DownloadAction) fetch(ctx context.Context, u *url.URL, dest string) (n int64, err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, action.NewInfrastructureError("err creating %s: %v", filepath.Dir(dest), err)
	}
	var src io.ReadCloser
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return 0, action.NewJobError("image %s is not readable: %v", u.Path, err)
		}
		src = f
	default:
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return 0, action.NewJobError("err building request for %s: %v", u.Redacted(), err)
		}
		resp, err := a.Client.Do(req)
		if err != nil {
			return 0, action.NewInfrastructureError("err downloading %s: %v", u.Redacted(), err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return 0, action.NewInfrastructureError("err downloading %s: %s", u.Redacted(), resp.Status)
		}
		src = resp.Body
	}
	defer src.Close()

	f, err := os.Create(dest)
	if err != nil {
		return 0, action.NewInfrastructureError("err creating %s: %v", dest, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = action.NewInfrastructureError("err closing %s: %v", dest, cerr)
		}
	}()
	n, err = io.Copy(f, src)
	if err != nil {
		return n, action.NewInfrastructureError("err writing %s: %v", dest, err)
	}
	return n, nil
}
