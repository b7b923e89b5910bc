package graph

import (
	"errors"
	"fmt"
	"strings"

	odataerror "github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
)

// Kind is the closed set of provider error categories the pipeline branches
// on. Anything Graph reports that does not map cleanly stays Unknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindUnauthorized
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind   Kind
	Status int
	Code   string
	err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph: %s (status=%d code=%s): %v", e.Kind, e.Status, e.Code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Classify maps a raw Graph SDK error onto the Kind taxonomy. It is the only
// place that inspects OData error payloads; everything else branches on the
// returned *Error. Non-OData errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var odata *odataerror.ODataError
	if !errors.As(err, &odata) {
		return err
	}

	status := odata.ResponseStatusCode
	code := ""
	if main := odata.GetErrorEscaped(); main != nil {
		if c := main.GetCode(); c != nil {
			code = *c
		}
	}

	kind := KindUnknown
	switch {
	case status == 404 || strings.EqualFold(code, "ErrorItemNotFound") || strings.EqualFold(code, "ResourceNotFound"):
		kind = KindNotFound
	case status == 401 || status == 403 || strings.EqualFold(code, "InvalidAuthenticationToken"):
		kind = KindUnauthorized
	case status == 429:
		kind = KindRateLimited
	}

	return &Error{Kind: kind, Status: status, Code: code, err: err}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err was classified as a missing resource.
func IsNotFound(err error) bool { return err != nil && kindOf(err) == KindNotFound }

// IsUnauthorized reports whether err was classified as an auth failure.
func IsUnauthorized(err error) bool { return err != nil && kindOf(err) == KindUnauthorized }

// IsRateLimited reports whether err was classified as throttling.
func IsRateLimited(err error) bool { return err != nil && kindOf(err) == KindRateLimited }
