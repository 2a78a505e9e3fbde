// Package bpmerrors defines the error kinds surfaced across bpfmand's core:
// catalog, image store, loader, dispatcher engine, and manager.
//
// Errors are plain wrapped stdlib errors (fmt.Errorf("...: %w", err)) tagged
// with a Kind so that callers across a process boundary can distinguish
// "not found" from "invalid argument" from "internal" without parsing
// message text. There is no structured error library in play here — every
// source repo in this exercise's corpus does the same plain-wrap-and-tag
// style for its own error surface.
package bpmerrors

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error for programmatic handling by RPC collaborators.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindImagePull       Kind = "image_pull"
	KindLoad            Kind = "load"
	KindAttach          Kind = "attach"
	KindDispatcher      Kind = "dispatcher"
	KindMapOwner        Kind = "map_owner"
	KindDatabase        Kind = "database"
	KindInternal        Kind = "internal"
)

// Subkind further qualifies a KindImagePull error, per spec §4.2/§7.
type Subkind string

const (
	SubkindInvalidImageURL Subkind = "invalid_image_url"
	SubkindManifestPull    Subkind = "manifest_pull"
	SubkindLayerPull       Subkind = "layer_pull"
	SubkindExtract         Subkind = "extract"
	SubkindAuthMissing     Subkind = "auth_missing"
	SubkindAuthParse       Subkind = "auth_parse"
	SubkindAuthDecode      Subkind = "auth_decode"
	SubkindNotCached       Subkind = "not_cached"
)

// Error is the common error type returned by every core component.
type Error struct {
	Kind    Kind
	Subkind Subkind
	Cause   error
}

func (e *Error) Error() string {
	if e.Subkind != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s/%s: %v", e.Kind, e.Subkind, e.Cause)
		}
		return fmt.Sprintf("%s/%s", e.Kind, e.Subkind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &bpmerrors.Error{Kind: bpmerrors.KindNotFound})
// style comparisons: an *Error target matches when its Kind is equal and,
// if the target sets a Subkind, the Subkind is equal too.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind && (other.Subkind == "" || e.Subkind == other.Subkind)
	}
	return false
}

// New constructs an *Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf constructs an *Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// WithSubkind constructs an *Error with both a kind and subkind.
func WithSubkind(kind Kind, sub Subkind, cause error) *Error {
	return &Error{Kind: kind, Subkind: sub, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
// Returns (KindInternal, false) if err does not carry a Kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindInternal, false
}

// NotFound builds a standard "not found" error for a program id.
func NotFound(id uint32) *Error {
	return Newf(KindNotFound, "program id %d not found", id)
}
