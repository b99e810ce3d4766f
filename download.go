package main

import (
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultDownloadTimeout = 5 * time.Minute

type BasicAuth struct {
	Username string
	Password string
}

// Downloader fetches provider archives and checksum side channels.
type Downloader interface {
	Download(url string, auth *BasicAuth) ([]byte, error)
}

type httpDownloader struct {
	client *http.Client
}

func NewHTTPDownloader(timeout time.Duration) Downloader {
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	return &httpDownloader{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (d *httpDownloader) Download(url string, auth *BasicAuth) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build request")
	}
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get %s", redactURL(req))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unable to get %s: status %d", redactURL(req), resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read response bytes")
	}

	logrus.Debugf("downloaded %s from %s", humanize.Bytes(uint64(len(content))), redactURL(req))

	return content, nil
}

// redactURL hides the MaxMind license key carried in legacy download URLs.
func redactURL(req *http.Request) string {
	u := *req.URL
	q := u.Query()
	if q.Has("license_key") {
		q.Set("license_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
