package main

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CountryFilter selects the countries sets are generated for.
type CountryFilter struct {
	codes map[string]struct{}
}

func AllCountries() CountryFilter {
	return CountryFilter{}
}

// NewCountryFilter returns a filter matching codes; an empty list matches every country.
func NewCountryFilter(codes []string) CountryFilter {
	if len(codes) == 0 {
		return AllCountries()
	}
	f := CountryFilter{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		f.codes[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return f
}

func (f CountryFilter) All() bool {
	return f.codes == nil
}

func (f CountryFilter) Match(country string) bool {
	if f.All() {
		return true
	}
	_, ok := f.codes[strings.ToLower(country)]
	return ok
}

// Codes returns the lower-cased codes of a restricted filter, nil for all countries.
func (f CountryFilter) Codes() []string {
	if f.All() {
		return nil
	}
	out := make([]string, 0, len(f.codes))
	for c := range f.codes {
		out = append(out, c)
	}
	return out
}

// classifyDbIpRecord maps an (ip_start, ip_end, country) row to its set.
// ok is false for rows that are filtered out.
func classifyDbIpRecord(record []string, opts Options) (key PartitionKey, entry SetEntry, ok bool, err error) {
	if len(record) != 3 {
		return key, entry, false, errors.Errorf("expected 3 fields, got %d", len(record))
	}
	country := strings.TrimSpace(record[2])
	if strings.EqualFold(country, unknownCountryCode) || !opts.Countries.Match(country) {
		return key, entry, false, nil
	}

	start, err := netip.ParseAddr(strings.TrimSpace(record[0]))
	if err != nil {
		return key, entry, false, errors.Wrap(err, "unable to parse range start")
	}
	family := addrFamily(start)
	if !opts.wantFamily(family) {
		return key, entry, false, nil
	}
	end, err := netip.ParseAddr(strings.TrimSpace(record[1]))
	if err != nil {
		return key, entry, false, errors.Wrap(err, "unable to parse range end")
	}
	r, err := newIPRange(start, end)
	if err != nil {
		return key, entry, false, err
	}

	return NewPartitionKey(country, family), RangeEntry(r), true, nil
}

// GeonameMap maps MaxMind geoname ids to ISO country codes.
type GeonameMap map[uint64]string

// resolve returns the country of a blocks row, preferring the row's own geoname id
// over the registered country one. ok is false when the row has no usable id or
// the id is not mapped.
func (m GeonameMap) resolve(geonameID, registeredID string) (country string, ok bool, err error) {
	raw := geonameID
	if raw == "" {
		raw = registeredID
	}
	if raw == "" {
		return "", false, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return "", false, errors.Wrap(err, "unable to parse block geoname id")
	}
	country, ok = m[id]
	return country, ok, nil
}

// classifyMaxmindNetwork validates a blocks row network against the table's family.
func classifyMaxmindNetwork(network string, family AddressFamily) (SetEntry, error) {
	p, err := netip.ParsePrefix(network)
	if err != nil {
		return SetEntry{}, errors.Wrap(err, "unable to parse CIDR")
	}
	if addrFamily(p.Addr()) != family {
		return SetEntry{}, errors.Errorf("network %s found in %s table", network, family)
	}
	return PrefixEntry(p), nil
}
