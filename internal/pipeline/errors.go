package pipeline

import (
	"errors"
	"fmt"

	"github.com/samcharles93/strata/internal/hub"
)

var (
	ErrDownload           = errors.New("download failed")
	ErrConfigParse        = errors.New("config parse failed")
	ErrWeightLoad         = errors.New("weight load failed")
	ErrTokenizerLoad      = errors.New("tokenizer load failed")
	ErrUnsupportedVariant = errors.New("unsupported model variant")
	ErrComputeFailure     = errors.New("model compute failed")
	ErrSampling           = errors.New("sampling failed")
	ErrMissingEOS         = errors.New("eos token missing from vocabulary")
)

// DownloadKind classifies a DownloadError.
type DownloadKind int

const (
	DownloadNetwork DownloadKind = iota
	DownloadNotFound
	DownloadAuth
)

func (k DownloadKind) String() string {
	switch k {
	case DownloadNotFound:
		return "not found"
	case DownloadAuth:
		return "auth"
	default:
		return "network"
	}
}

// DownloadError reports an artifact that could not be resolved.
type DownloadError struct {
	Kind DownloadKind
	Repo string
	File string
	Err  error
}

func (e *DownloadError) Error() string {
	target := e.Repo
	if e.File != "" {
		target += "/" + e.File
	}
	return fmt.Sprintf("download %s (%s): %v", target, e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error        { return e.Err }
func (e *DownloadError) Is(target error) bool { return target == ErrDownload }

// newDownloadError classifies a store error.
func newDownloadError(repo, file string, err error) *DownloadError {
	kind := DownloadNetwork
	var auth *hub.AuthError
	var nf *hub.NotFoundError
	switch {
	case errors.As(err, &auth):
		kind = DownloadAuth
	case errors.As(err, &nf):
		kind = DownloadNotFound
	}
	return &DownloadError{Kind: kind, Repo: repo, File: file, Err: err}
}

// ConfigParseError reports a config, ordering or adapter config that does
// not match its schema.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error        { return e.Err }
func (e *ConfigParseError) Is(target error) bool { return target == ErrConfigParse }

// WeightLoadError reports missing or corrupt tensor data.
type WeightLoadError struct {
	Path string
	Err  error
}

func (e *WeightLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load weights: %v", e.Err)
	}
	return fmt.Sprintf("load weights %s: %v", e.Path, e.Err)
}

func (e *WeightLoadError) Unwrap() error        { return e.Err }
func (e *WeightLoadError) Is(target error) bool { return target == ErrWeightLoad }

// TokenizerLoadError reports a tokenizer file that could not be read.
type TokenizerLoadError struct {
	Path string
	Err  error
}

func (e *TokenizerLoadError) Error() string {
	return fmt.Sprintf("load tokenizer %s: %v", e.Path, e.Err)
}

func (e *TokenizerLoadError) Unwrap() error        { return e.Err }
func (e *TokenizerLoadError) Is(target error) bool { return target == ErrTokenizerLoad }

// UnsupportedVariantError reports a requested kind, weight format or
// device this build cannot serve. It is never retried.
type UnsupportedVariantError struct {
	Kind   ModelKind
	Reason string
	Err    error
}

func (e *UnsupportedVariantError) Error() string {
	msg := fmt.Sprintf("unsupported variant %q: %s", e.Kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnsupportedVariantError) Unwrap() error        { return e.Err }
func (e *UnsupportedVariantError) Is(target error) bool { return target == ErrUnsupportedVariant }

// ComputeFailure is the panic value raised when a forward pass fails.
type ComputeFailure struct {
	Variant string
	Err     error
}

func (e *ComputeFailure) Error() string {
	return fmt.Sprintf("%s forward failed: %v", e.Variant, e.Err)
}

func (e *ComputeFailure) Unwrap() error        { return e.Err }
func (e *ComputeFailure) Is(target error) bool { return target == ErrComputeFailure }

// SamplingError wraps a sampler failure.
type SamplingError struct {
	Err error
}

func (e *SamplingError) Error() string        { return fmt.Sprintf("sample: %v", e.Err) }
func (e *SamplingError) Unwrap() error        { return e.Err }
func (e *SamplingError) Is(target error) bool { return target == ErrSampling }

// MissingEOSTokenError reports a template EOS token absent from the
// tokenizer vocabulary.
type MissingEOSTokenError struct {
	Token string
}

func (e *MissingEOSTokenError) Error() string {
	return fmt.Sprintf("unable to resolve eos token %q in the tokenizer vocabulary", e.Token)
}

func (e *MissingEOSTokenError) Is(target error) bool { return target == ErrMissingEOS }
