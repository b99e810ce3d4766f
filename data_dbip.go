package main

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DbIpDownloadURL = "https://download.db-ip.com/free/"
	DbIpChecksumURL = "https://db-ip.com/db/download/ip-to-country-lite"

	dbipFilePrefix = "dbip-country-lite-"
	dbipFileSuffix = ".csv.gz"
)

// DbIpSetProvider builds sets from the monthly DB-IP country lite CSV.
// Rows are (ip_start, ip_end, country) ranges without a header.
type DbIpSetProvider struct {
	opts        Options
	downloader  Downloader
	downloadURL string
	checksumURL string
	now         func() time.Time
}

func NewDbIpSetProvider(opts Options, downloader Downloader) *DbIpSetProvider {
	return &DbIpSetProvider{
		opts:        opts,
		downloader:  downloader,
		downloadURL: DbIpDownloadURL,
		checksumURL: DbIpChecksumURL,
		now:         time.Now,
	}
}

func (s *DbIpSetProvider) Name() string {
	return ProviderDbIp
}

// datasetURL is e.g. https://download.db-ip.com/free/dbip-country-lite-2020-10.csv.gz
func (s *DbIpSetProvider) datasetURL() string {
	return s.downloadURL + dbipFilePrefix + s.now().UTC().Format("2006-01") + dbipFileSuffix
}

func (s *DbIpSetProvider) Generate() error {
	pl := newPipeline(s.Name())

	var archive, payload []byte
	err := pl.run(StageDownload, func() (err error) {
		archive, err = s.downloader.Download(s.datasetURL(), nil)
		return
	})
	if err != nil {
		return err
	}

	err = pl.run(StageDecode, func() (err error) {
		payload, err = gunzip(archive)
		return
	})
	if err != nil {
		return err
	}

	// the published digest covers the CSV file, not the gzip container
	csvFile := bytes.NewReader(payload)
	if s.opts.Checksum {
		err = pl.run(StageVerify, func() error {
			expected, err := s.downloadChecksum()
			if err != nil {
				return err
			}
			return verifyChecksum(csvFile, expected, DigestSHA1)
		})
		if err != nil {
			return err
		}
	} else {
		pl.skip(StageVerify)
	}

	part := NewPartition()
	err = pl.run(StageDecode, func() error {
		return s.parseRanges(csvFile, part, pl)
	})
	if err != nil {
		return err
	}

	err = pl.run(StageEmit, func() error {
		return NewSetWriter(s.Name(), s.opts).Write(part)
	})
	if err != nil {
		return err
	}

	pl.done(part)
	return nil
}

func (s *DbIpSetProvider) parseRanges(r io.Reader, part *Partition, pl *pipeline) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.ReuseRecord = true

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "CSV reading error")
		}

		key, entry, ok, err := classifyDbIpRecord(record, s.opts)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return errors.Wrapf(err, "invalid record on line %d", line)
		}
		pl.record(ok)
		if ok {
			part.Insert(key, entry)
		}
	}
	return nil
}

// downloadChecksum scrapes the CSV SHA1SUM from the download page, which lists each
// format in a card like:
//
//	<dd>CSV</dd> ... <dt>SHA1SUM</dt><dd class="small">d663790f...</dd>
func (s *DbIpSetProvider) downloadChecksum() (string, error) {
	page, err := s.downloader.Download(s.checksumURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "unable to get checksum page")
	}
	sum, err := parseDbIpChecksumPage(bytes.NewReader(page))
	if err != nil {
		return "", err
	}
	logrus.Debugf("dbip: expected csv sha1 %s", sum)
	return sum, nil
}

func parseDbIpChecksumPage(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", errors.Wrap(err, "unable to parse checksum page")
	}

	csvFormat := findElement(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Dd && nodeText(n) == "CSV"
	})
	if csvFormat == nil {
		return "", errors.New("CSV format not listed on checksum page")
	}

	for n := csvFormat.NextSibling; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode || n.DataAtom != atom.Dt || nodeText(n) != "SHA1SUM" {
			continue
		}
		for v := n.NextSibling; v != nil; v = v.NextSibling {
			if v.Type == html.ElementNode && v.DataAtom == atom.Dd {
				return nodeText(v), nil
			}
		}
	}
	return "", errors.New("SHA1SUM of CSV format not found on checksum page")
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func gunzip(content []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open gzip archive")
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decompress gzip archive")
	}
	return out, nil
}
