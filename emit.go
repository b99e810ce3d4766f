package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// SetWriter renders partitions into a provider's output tree:
// {root}/{ipset|nftset}/{family}/{CC}.{family}
type SetWriter struct {
	root      string
	provider  string
	firewalls []Firewall
	families  []AddressFamily
}

func NewSetWriter(provider string, opts Options) *SetWriter {
	return &SetWriter{
		root:      opts.providerDir(provider),
		provider:  provider,
		firewalls: opts.Firewalls,
		families:  opts.Families,
	}
}

func (w *SetWriter) dir(fw Firewall, family AddressFamily) string {
	return filepath.Join(w.root, fw.SetDir(), string(family))
}

// Write regenerates the set directory of every requested firewall and family with
// one file per country. Each directory is built next to the live one and swapped in
// by rename, so readers see either the old or the new sets. A failure leaves the
// previous directory in place.
func (w *SetWriter) Write(p *Partition) error {
	for _, family := range w.families {
		for _, fw := range w.firewalls {
			if err := w.writeDir(p, fw, family); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *SetWriter) writeDir(p *Partition, fw Firewall, family AddressFamily) error {
	dir := w.dir(fw, family)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", parent)
	}
	staging, err := os.MkdirTemp(parent, "."+string(family)+"-")
	if err != nil {
		return errors.Wrapf(err, "unable to create staging directory in %s", parent)
	}
	defer os.RemoveAll(staging)
	if err := os.Chmod(staging, 0755); err != nil {
		return errors.Wrapf(err, "unable to chmod %s", staging)
	}

	entries := getMetrics().SetEntries
	entries.DeletePartialMatch(prometheus.Labels{
		"provider": w.provider,
		"firewall": string(fw),
		"family":   string(family),
	})

	files := 0
	for _, key := range p.Keys() {
		if key.Family != family {
			continue
		}
		n, err := writeSetFile(filepath.Join(staging, key.SetName()), fw, key, p.Entries(key))
		if err != nil {
			return err
		}
		entries.WithLabelValues(w.provider, string(fw), string(family), key.Country).Set(float64(n))
		files++
	}

	old := staging + ".old"
	if err := os.Rename(dir, old); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to replace %s", dir)
	}
	if err := os.Rename(staging, dir); err != nil {
		os.Rename(old, dir)
		return errors.Wrapf(err, "unable to replace %s", dir)
	}
	if err := os.RemoveAll(old); err != nil {
		return errors.Wrapf(err, "unable to remove %s", old)
	}
	logrus.Debugf("%s: wrote %d %s %s sets to %s", w.provider, files, fw, family, dir)
	return nil
}

func writeSetFile(path string, fw Firewall, key PartitionKey, entries []SetEntry) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to create set file %s", path)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var n int
	switch fw {
	case IPTables:
		n, err = renderIPSet(bw, key, entries)
	case NFTables:
		n, err = renderNFTSet(bw, key, entries)
	default:
		err = errors.Errorf("unsupported firewall: %s", fw)
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		return 0, errors.Wrapf(err, "unable to write set file %s", path)
	}
	return n, nil
}

// renderIPSet writes an ipset restore script. Range entries are expanded to CIDR blocks
// since hash:net cannot hold intervals.
func renderIPSet(w io.Writer, key PartitionKey, entries []SetEntry) (int, error) {
	nets := make([]string, 0, len(entries))
	for _, e := range entries {
		prefixes, err := e.Prefixes()
		if err != nil {
			return 0, err
		}
		for _, p := range prefixes {
			nets = append(nets, p.String())
		}
	}

	name := key.SetName()
	if _, err := fmt.Fprintf(w, "create %s hash:net family %s maxelem %d comment\n", name, key.Family.InetFamily(), ipsetMaxElem(len(nets))); err != nil {
		return 0, err
	}
	for _, n := range nets {
		if _, err := fmt.Fprintf(w, "add %s %s comment %s\n", name, n, key.Country); err != nil {
			return 0, err
		}
	}
	return len(nets), nil
}

// renderNFTSet writes an nftables define block. Every element line ends with a comma.
func renderNFTSet(w io.Writer, key PartitionKey, entries []SetEntry) (int, error) {
	if _, err := fmt.Fprintf(w, "define %s = {\n", key.SetName()); err != nil {
		return 0, err
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s,\n", e.String()); err != nil {
			return 0, err
		}
	}
	if _, err := io.WriteString(w, "}\n"); err != nil {
		return 0, err
	}
	return len(entries), nil
}
