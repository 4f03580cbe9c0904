// Package fetcher retrieves Search Console export files from local paths,
// HTTP(S) URLs and FTP URLs, and reads their CSV, XLSX and ZIP contents.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// Fetcher downloads remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Router picks a Fetcher by URL scheme. Plain paths and file:// URLs are
// read from disk.
type Router struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewRouter returns a Router with default HTTP and FTP fetchers.
func NewRouter(httpOpts HTTPOptions, ftpOpts FTPOptions) *Router {
	return &Router{
		HTTP: NewHTTPFetcher(httpOpts),
		FTP:  NewFTPFetcher(ftpOpts),
	}
}

// Localize makes source available as a local file. Remote sources are
// downloaded into dir; local files are returned as is.
func (r *Router) Localize(ctx context.Context, source, dir string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", resilience.InvalidInputf("fetcher: empty source")
	}

	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Windows drive letters parse as one-letter schemes.
		return localFile(source)
	}

	var f Fetcher
	switch u.Scheme {
	case "file":
		return localFile(u.Path)
	case "http", "https":
		f = r.HTTP
	case "ftp":
		f = r.FTP
	default:
		return "", resilience.InvalidInputf("fetcher: unsupported scheme %q", u.Scheme)
	}
	if f == nil {
		return "", resilience.InvalidInputf("fetcher: no fetcher for scheme %q", u.Scheme)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	dest := filepath.Join(dir, name)
	if _, err := f.DownloadToFile(ctx, source, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func localFile(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", resilience.InvalidInput(eris.Wrapf(err, "fetcher: %s", p))
		}
		return "", eris.Wrapf(err, "fetcher: stat %s", p)
	}
	if info.IsDir() {
		return "", resilience.InvalidInputf("fetcher: %s is a directory", p)
	}
	return p, nil
}

// writeFile copies body to path and closes body.
func writeFile(body io.ReadCloser, path string) (int64, error) {
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
