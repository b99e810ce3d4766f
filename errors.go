package main

import (
	"fmt"
)

type Stage string

const (
	StageDownload Stage = "download"
	StageVerify   Stage = "verify"
	StageDecode   Stage = "decode"
	StageEmit     Stage = "emit"
)

// StageError is returned by SetProvider.Generate for any fatal pipeline failure.
type StageError struct {
	Provider string
	Stage    Stage
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Stage, e.Err)
}

func (e *StageError) Cause() error {
	return e.Err
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a digest mismatch between a payload and its published checksum.
type IntegrityError struct {
	Algorithm DigestAlgorithm
	Expected  string
	Computed  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("computed %s digest '%s' does not match expected value '%s'", e.Algorithm, e.Computed, e.Expected)
}

// ConfigError is raised before any I/O when an option cannot be used.
type ConfigError struct {
	Option string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid configuration %s: %s", e.Option, e.Reason)
	}
	return fmt.Sprintf("invalid configuration %s: unsupported value %q", e.Option, e.Value)
}
