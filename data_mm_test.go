package main

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mmArchiveDir = "GeoLite2-Country-CSV_20200922/"

const mmLocations = `geoname_id,locale_code,continent_code,continent_name,country_iso_code,country_name,is_in_european_union
6255151,en,OC,Oceania,,,0
2077456,en,OC,Oceania,AU,Australia,0
1814991,en,AS,Asia,CN,China,0
6251999,en,NA,"North America",CA,Canada,0
`

const mmBlocksIPv4 = `network,geoname_id,registered_country_geoname_id,represented_country_geoname_id,is_anonymous_proxy,is_satellite_provider
1.0.0.0/24,2077456,2077456,,0,0
1.0.1.0/24,1814991,1814991,,0,0
1.0.4.0/22,2077456,2077456,,0,0
2.16.0.0/24,,6251999,,0,0
4.0.0.0/24,,,,1,0
5.0.0.0/24,2635167,2635167,,0,0
`

const mmBlocksIPv6 = `network,geoname_id,registered_country_geoname_id,represented_country_geoname_id,is_anonymous_proxy,is_satellite_provider
2600::/48,6251999,6251999,,0,0
2001:200::/32,1861060,1861060,,0,0
`

func mmArchive(t *testing.T, override map[string]string) []byte {
	files := map[string]string{
		CountriesENFileName:         mmLocations,
		CountriesIPV4BlocksFileName: mmBlocksIPv4,
		CountriesIPV6BlocksFileName: mmBlocksIPv6,
	}
	for name, content := range override {
		files[name] = content
	}
	dated := make(map[string]string, len(files))
	for name, content := range files {
		if content != "" {
			dated[mmArchiveDir+name] = content
		}
	}
	return zipBytes(t, dated)
}

func newTestMaxmindProvider(t *testing.T, opts Options, creds MaxMindOptions, archive []byte) (*MaxmindSetProvider, *fakeDownloader) {
	d := newFakeDownloader()
	p, err := NewMaxmindSetProvider(opts, creds, d)
	require.NoError(t, err)

	u, _ := p.archiveURL("zip")
	d.add(u, archive)
	return p, d
}

func TestNewMaxmindSetProviderNoLicense(t *testing.T) {
	_, err := NewMaxmindSetProvider(Options{}, MaxMindOptions{AccountID: "42"}, newFakeDownloader())
	require.Error(t, err)
	var confErr *ConfigError
	require.True(t, errors.As(err, &confErr))
	assert.Equal(t, "maxmind.license_key", confErr.Option)
}

func TestMaxmindArchiveURL(t *testing.T) {
	p, err := NewMaxmindSetProvider(Options{}, MaxMindOptions{LicenseKey: "secret"}, newFakeDownloader())
	require.NoError(t, err)

	u, auth := p.archiveURL("zip.md5")
	assert.Equal(t, "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-Country-CSV&license_key=secret&suffix=zip.md5", u)
	assert.Nil(t, auth)
	assert.Equal(t, DigestMD5, p.digestAlgorithm())

	p, err = NewMaxmindSetProvider(Options{}, MaxMindOptions{LicenseKey: "secret", AccountID: "42"}, newFakeDownloader())
	require.NoError(t, err)

	u, auth = p.archiveURL("zip")
	assert.Equal(t, "https://download.maxmind.com/geoip/databases/GeoLite2-Country-CSV/download?suffix=zip", u)
	assert.Equal(t, &BasicAuth{Username: "42", Password: "secret"}, auth)
	assert.Equal(t, DigestSHA256, p.digestAlgorithm())
}

func TestMaxmindGenerateLegacy(t *testing.T) {
	opts := testOptions(t, []Firewall{IPTables, NFTables}, []AddressFamily{IPv4, IPv6})
	opts.Checksum = true
	archive := mmArchive(t, nil)
	p, d := newTestMaxmindProvider(t, opts, MaxMindOptions{LicenseKey: "secret"}, archive)

	sum := md5.Sum(archive)
	u, _ := p.archiveURL("zip.md5")
	d.add(u, []byte(hex.EncodeToString(sum[:])))

	require.NoError(t, p.Generate())

	root := filepath.Join(opts.OutputDir, "geoipsets", "maxmind")
	assert.Equal(t, []string{
		"ipset/ipv4/AU.ipv4",
		"ipset/ipv4/CA.ipv4",
		"ipset/ipv4/CN.ipv4",
		"ipset/ipv6/CA.ipv6",
		"nftset/ipv4/AU.ipv4",
		"nftset/ipv4/CA.ipv4",
		"nftset/ipv4/CN.ipv4",
		"nftset/ipv6/CA.ipv6",
	}, listTree(t, root))

	want := `create AU.ipv4 hash:net family inet maxelem 131072 comment
add AU.ipv4 1.0.0.0/24 comment AU
add AU.ipv4 1.0.4.0/22 comment AU
`
	assert.Equal(t, want, readFile(t, filepath.Join(root, "ipset/ipv4/AU.ipv4")))
	// registered country stands in for a missing geoname id
	assert.Equal(t, "define CA.ipv4 = {\n2.16.0.0/24,\n}\n", readFile(t, filepath.Join(root, "nftset/ipv4/CA.ipv4")))
	assert.Equal(t, "define CA.ipv6 = {\n2600::/48,\n}\n", readFile(t, filepath.Join(root, "nftset/ipv6/CA.ipv6")))
}

func TestMaxmindGenerateCurrentAPI(t *testing.T) {
	opts := testOptions(t, []Firewall{NFTables}, []AddressFamily{IPv4}, "cn")
	opts.Checksum = true
	archive := mmArchive(t, nil)
	creds := MaxMindOptions{LicenseKey: "secret", AccountID: "42"}
	p, d := newTestMaxmindProvider(t, opts, creds, archive)

	sum := sha256.Sum256(archive)
	u, _ := p.archiveURL("zip.sha256")
	d.add(u, []byte(hex.EncodeToString(sum[:])+"  GeoLite2-Country-CSV_20200922.zip\n"))

	require.NoError(t, p.Generate())

	for _, req := range d.requests {
		assert.NotContains(t, req, "secret")
		assert.Equal(t, &BasicAuth{Username: "42", Password: "secret"}, d.auth[req])
	}
	root := filepath.Join(opts.OutputDir, "geoipsets", "maxmind")
	assert.Equal(t, []string{"nftset/ipv4/CN.ipv4"}, listTree(t, root))
	assert.Equal(t, "define CN.ipv4 = {\n1.0.1.0/24,\n}\n", readFile(t, filepath.Join(root, "nftset/ipv4/CN.ipv4")))
}

func TestMaxmindGenerateWithoutChecksum(t *testing.T) {
	opts := testOptions(t, []Firewall{NFTables}, []AddressFamily{IPv6})
	p, d := newTestMaxmindProvider(t, opts, MaxMindOptions{LicenseKey: "secret"}, mmArchive(t, nil))

	require.NoError(t, p.Generate())
	assert.Len(t, d.requests, 1)

	root := filepath.Join(opts.OutputDir, "geoipsets", "maxmind")
	assert.Equal(t, []string{"nftset/ipv6/CA.ipv6"}, listTree(t, root))
}

func TestMaxmindGenerateChecksumMismatch(t *testing.T) {
	opts := testOptions(t, []Firewall{NFTables}, []AddressFamily{IPv4})
	opts.Checksum = true
	p, d := newTestMaxmindProvider(t, opts, MaxMindOptions{LicenseKey: "secret"}, mmArchive(t, nil))

	u, _ := p.archiveURL("zip.md5")
	d.add(u, []byte(strings.Repeat("0", 32)))

	err := p.Generate()
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageVerify, stageErr.Stage)
	assert.Equal(t, ProviderMaxMind, stageErr.Provider)

	var integrity *IntegrityError
	assert.True(t, errors.As(err, &integrity))
	assert.NoDirExists(t, filepath.Join(opts.OutputDir, "geoipsets"))
}

func TestMaxmindGenerateChecksumUnavailable(t *testing.T) {
	opts := testOptions(t, []Firewall{NFTables}, []AddressFamily{IPv4})
	opts.Checksum = true
	p, _ := newTestMaxmindProvider(t, opts, MaxMindOptions{LicenseKey: "secret"}, mmArchive(t, nil))

	err := p.Generate()
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageVerify, stageErr.Stage)
}

func TestMaxmindGenerateDecodeErrors(t *testing.T) {
	tests := map[string]func(t *testing.T) []byte{
		"not a zip": func(t *testing.T) []byte {
			return []byte("PK nope")
		},
		"missing locations": func(t *testing.T) []byte {
			return mmArchive(t, map[string]string{CountriesENFileName: ""})
		},
		"missing blocks": func(t *testing.T) []byte {
			return mmArchive(t, map[string]string{CountriesIPV6BlocksFileName: ""})
		},
		"missing column": func(t *testing.T) []byte {
			return mmArchive(t, map[string]string{
				CountriesIPV4BlocksFileName: "network,registered_country_geoname_id\n1.0.0.0/24,2077456\n",
			})
		},
		"bad network": func(t *testing.T) []byte {
			return mmArchive(t, map[string]string{
				CountriesIPV4BlocksFileName: "network,geoname_id,registered_country_geoname_id\n1.0.0.0/33,2077456,2077456\n",
			})
		},
		"ipv6 in ipv4 table": func(t *testing.T) []byte {
			return mmArchive(t, map[string]string{
				CountriesIPV4BlocksFileName: "network,geoname_id,registered_country_geoname_id\n2600::/48,2077456,2077456\n",
			})
		},
	}
	for name, archive := range tests {
		t.Run(name, func(t *testing.T) {
			opts := testOptions(t, []Firewall{NFTables}, []AddressFamily{IPv4, IPv6})
			p, _ := newTestMaxmindProvider(t, opts, MaxMindOptions{LicenseKey: "secret"}, archive(t))

			err := p.Generate()
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr), "%v", err)
			assert.Equal(t, StageDecode, stageErr.Stage)
			assert.NoDirExists(t, filepath.Join(opts.OutputDir, "geoipsets"))
		})
	}
}

func TestReadTableStripsBOM(t *testing.T) {
	archive := mmArchive(t, map[string]string{
		CountriesENFileName: "\ufeffgeoname_id,country_iso_code\n6251999,CA\n",
	})
	opts := Options{Families: []AddressFamily{IPv4}, Countries: AllCountries()}
	p, _ := newTestMaxmindProvider(t, opts, MaxMindOptions{LicenseKey: "secret"}, archive)

	part, err := p.parseArchive(archive, newPipeline(p.Name()))
	require.NoError(t, err)
	// only CA is mapped, through the registered country of 2.16.0.0/24
	assert.Equal(t, []PartitionKey{NewPartitionKey("CA", IPv4)}, part.Keys())
}
