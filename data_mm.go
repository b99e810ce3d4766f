package main

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// Legacy endpoint, authenticated by the license key in the query string.
	MaxmindLegacyURL = "https://download.maxmind.com/app/geoip_download"
	// Current endpoint, authenticated with account id and license key.
	MaxmindDownloadURL = "https://download.maxmind.com/geoip/databases/GeoLite2-Country-CSV/download"

	maxmindEdition = "GeoLite2-Country-CSV"

	CountriesENFileName         = "GeoLite2-Country-Locations-en.csv"
	CountriesIPV4BlocksFileName = "GeoLite2-Country-Blocks-IPv4.csv"
	CountriesIPV6BlocksFileName = "GeoLite2-Country-Blocks-IPv6.csv"

	countriesInitCount = 250
)

// MaxMindOptions are the resolved account credentials.
type MaxMindOptions struct {
	LicenseKey string `yaml:"license_key"`
	AccountID  string `yaml:"account_id"`
}

// MaxmindSetProvider builds sets from the GeoLite2 Country CSV archive. Blocks are
// already CIDR networks tagged with geoname ids resolved through the locations table.
type MaxmindSetProvider struct {
	opts        Options
	creds       MaxMindOptions
	downloader  Downloader
	legacyURL   string
	downloadURL string
}

func NewMaxmindSetProvider(opts Options, creds MaxMindOptions, downloader Downloader) (*MaxmindSetProvider, error) {
	if creds.LicenseKey == "" {
		return nil, &ConfigError{Option: "maxmind.license_key", Reason: "license key cannot be empty"}
	}
	return &MaxmindSetProvider{
		opts:        opts,
		creds:       creds,
		downloader:  downloader,
		legacyURL:   MaxmindLegacyURL,
		downloadURL: MaxmindDownloadURL,
	}, nil
}

func (s *MaxmindSetProvider) Name() string {
	return ProviderMaxMind
}

// digestAlgorithm follows the API in use: the legacy endpoint publishes md5 sums,
// the current one sha256 sums.
func (s *MaxmindSetProvider) digestAlgorithm() DigestAlgorithm {
	if s.creds.AccountID != "" {
		return DigestSHA256
	}
	return DigestMD5
}

func (s *MaxmindSetProvider) archiveURL(suffix string) (string, *BasicAuth) {
	if s.creds.AccountID != "" {
		q := url.Values{"suffix": {suffix}}
		return s.downloadURL + "?" + q.Encode(), &BasicAuth{
			Username: s.creds.AccountID,
			Password: s.creds.LicenseKey,
		}
	}
	q := url.Values{
		"edition_id":  {maxmindEdition},
		"license_key": {s.creds.LicenseKey},
		"suffix":      {suffix},
	}
	return s.legacyURL + "?" + q.Encode(), nil
}

func (s *MaxmindSetProvider) Generate() error {
	pl := newPipeline(s.Name())

	var content []byte
	err := pl.run(StageDownload, func() (err error) {
		content, err = s.downloader.Download(s.archiveURL("zip"))
		return
	})
	if err != nil {
		return err
	}

	if s.opts.Checksum {
		err = pl.run(StageVerify, func() error {
			algo := s.digestAlgorithm()
			expected, err := s.downloader.Download(s.archiveURL("zip." + string(algo)))
			if err != nil {
				return errors.Wrap(err, "unable to get checksum")
			}
			return verifyChecksum(bytes.NewReader(content), string(expected), algo)
		})
		if err != nil {
			return err
		}
	} else {
		pl.skip(StageVerify)
	}

	var part *Partition
	err = pl.run(StageDecode, func() (err error) {
		part, err = s.parseArchive(content, pl)
		return
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

func (s *MaxmindSetProvider) parseArchive(content []byte, pl *pipeline) (*Partition, error) {
	archive, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open zip archive")
	}

	locations, err := findTable(archive, CountriesENFileName)
	if err != nil {
		return nil, err
	}
	geonames, err := s.parseCountries(locations)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("maxmind: mapped %d geoname ids", len(geonames))

	// blocks tables are independent passes over the same immutable archive
	tables := make([]*zip.File, len(s.opts.Families))
	for i, family := range s.opts.Families {
		if tables[i], err = findTable(archive, blocksFileName(family)); err != nil {
			return nil, err
		}
	}
	parts := make([]*Partition, len(tables))
	var g errgroup.Group
	for i, family := range s.opts.Families {
		i, family := i, family
		g.Go(func() (err error) {
			parts[i], err = s.parseBlocks(tables[i], family, geonames, pl)
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := NewPartition()
	for _, p := range parts {
		out.Merge(p)
	}
	return out, nil
}

func blocksFileName(family AddressFamily) string {
	if family == IPv6 {
		return CountriesIPV6BlocksFileName
	}
	return CountriesIPV4BlocksFileName
}

// findTable locates a table regardless of the dated directory it is archived under.
func findTable(archive *zip.Reader, name string) (*zip.File, error) {
	for _, f := range archive.File {
		if path.Base(f.Name) == name {
			return f, nil
		}
	}
	return nil, errors.Errorf("%s not found in archive", name)
}

// parseCountries builds the geoname id map from the locations table, e.g.
// 6251999,en,NA,"North America",CA,Canada,0
func (s *MaxmindSetProvider) parseCountries(f *zip.File) (GeonameMap, error) {
	geonames := make(GeonameMap, countriesInitCount)
	err := readTable(f, []string{"geoname_id", "country_iso_code"}, func(fields []string) error {
		cc := fields[1]
		// continent-only locations have no country
		if cc == "" || !s.opts.Countries.Match(cc) {
			return nil
		}
		id, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return errors.Wrap(err, "unable to parse geoname id")
		}
		if prev, ok := geonames[id]; ok && prev != cc {
			logrus.Warnf("maxmind: duplicate geoname id %d (%s, %s), keeping %s", id, prev, cc, cc)
		}
		geonames[id] = cc
		return nil
	})
	return geonames, err
}

// parseBlocks reads one blocks table, e.g.
// 1.0.1.0/24,1814991,1814991,,0,0
func (s *MaxmindSetProvider) parseBlocks(f *zip.File, family AddressFamily, geonames GeonameMap, pl *pipeline) (*Partition, error) {
	part := NewPartition()
	err := readTable(f, []string{"network", "geoname_id", "registered_country_geoname_id"}, func(fields []string) error {
		cc, ok, err := geonames.resolve(fields[1], fields[2])
		if err != nil {
			return err
		}
		pl.record(ok)
		if !ok {
			return nil
		}
		entry, err := classifyMaxmindNetwork(fields[0], family)
		if err != nil {
			return err
		}
		part.Insert(NewPartitionKey(cc, family), entry)
		return nil
	})
	return part, err
}

// readTable streams a CSV table with a header row, passing the requested columns of
// each row to fn in the order they were requested.
func readTable(f *zip.File, columns []string, fn func(fields []string) error) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "can't open %s in archive", f.Name)
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return errors.Errorf("%s is empty", f.Name)
	}
	if err != nil {
		return errors.Wrapf(err, "CSV reading error in %s", f.Name)
	}
	idx, err := columnIndexes(header, columns)
	if err != nil {
		return errors.Wrap(err, f.Name)
	}

	fields := make([]string, len(columns))
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "CSV reading error in %s", f.Name)
		}
		for i, c := range idx {
			fields[i] = record[c]
		}
		if err := fn(fields); err != nil {
			line, _ := r.FieldPos(0)
			return errors.Wrapf(err, "invalid record in %s on line %d", f.Name, line)
		}
	}
}

func columnIndexes(header []string, columns []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	out := make([]int, len(columns))
	for i, c := range columns {
		p, ok := pos[c]
		if !ok {
			return nil, errors.Errorf("missing column %s", c)
		}
		out[i] = p
	}
	return out, nil
}
