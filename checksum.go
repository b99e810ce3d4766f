package main

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/pkg/errors"
)

type DigestAlgorithm string

const (
	DigestSHA1   DigestAlgorithm = "sha1"
	DigestMD5    DigestAlgorithm = "md5"
	DigestSHA256 DigestAlgorithm = "sha256"
)

func (a DigestAlgorithm) newHash() (hash.Hash, error) {
	switch a {
	case DigestSHA1:
		return sha1.New(), nil
	case DigestMD5:
		return md5.New(), nil
	case DigestSHA256:
		return sha256.New(), nil
	}
	return nil, errors.Errorf("unsupported digest algorithm: %s", a)
}

// parseDigest extracts the hex digest from a checksum side channel body.
// Bodies look like "<hex>" or "<hex>  <filename>".
func parseDigest(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return "", errors.New("empty checksum")
	}
	digest := strings.ToLower(fields[0])
	if _, err := hex.DecodeString(digest); err != nil {
		return "", errors.Wrapf(err, "checksum is not hex encoded: %s", fields[0])
	}
	return digest, nil
}

// verifyChecksum hashes everything in r and compares it with expected.
// r is rewound to the start afterwards so it can be decoded.
func verifyChecksum(r io.ReadSeeker, expected string, algo DigestAlgorithm) error {
	h, err := algo.newHash()
	if err != nil {
		return err
	}
	expected, err = parseDigest(expected)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(h, r)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "unable to rewind payload")
	}
	if copyErr != nil {
		return errors.Wrap(copyErr, "unable to read payload")
	}

	computed := hex.EncodeToString(h.Sum(nil))
	if computed != expected {
		return &IntegrityError{
			Algorithm: algo,
			Expected:  expected,
			Computed:  computed,
		}
	}
	return nil
}
