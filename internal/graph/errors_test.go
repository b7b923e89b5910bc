package graph

import (
	"errors"
	"fmt"
	"testing"

	odataerror "github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
)

func odataError(status int, code string) error {
	oe := odataerror.NewODataError()
	oe.ResponseStatusCode = status
	if code != "" {
		main := odataerror.NewMainError()
		main.SetCode(&code)
		oe.SetErrorEscaped(main)
	}
	return oe
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   Kind
		status int
	}{
		{"status 404", odataError(404, ""), KindNotFound, 404},
		{"ErrorItemNotFound code", odataError(400, "ErrorItemNotFound"), KindNotFound, 400},
		{"ResourceNotFound code", odataError(400, "resourcenotfound"), KindNotFound, 400},
		{"status 401", odataError(401, ""), KindUnauthorized, 401},
		{"status 403", odataError(403, ""), KindUnauthorized, 403},
		{"InvalidAuthenticationToken code", odataError(400, "InvalidAuthenticationToken"), KindUnauthorized, 400},
		{"status 429", odataError(429, ""), KindRateLimited, 429},
		{"unmapped status", odataError(500, "InternalServerError"), KindUnknown, 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := Classify(tc.err)

			var ge *Error
			if !errors.As(classified, &ge) {
				t.Fatalf("Classify returned %T, want *Error", classified)
			}
			if ge.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", ge.Kind, tc.kind)
			}
			if ge.Status != tc.status {
				t.Fatalf("status = %d, want %d", ge.Status, tc.status)
			}
		})
	}
}

func TestClassifyPassesThroughNonODataErrors(t *testing.T) {
	plain := errors.New("connection refused")
	if got := Classify(plain); got != plain {
		t.Fatalf("Classify(%v) = %v, want it unchanged", plain, got)
	}
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) != nil")
	}
}

func TestKindHelpersSeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("fetch message: %w", Classify(odataError(404, "")))

	if !IsNotFound(wrapped) {
		t.Fatal("IsNotFound failed on wrapped error")
	}
	if IsRateLimited(wrapped) || IsUnauthorized(wrapped) {
		t.Fatal("wrong kind reported")
	}

	if IsNotFound(errors.New("plain")) {
		t.Fatal("IsNotFound true for unclassified error")
	}
	if IsNotFound(nil) {
		t.Fatal("IsNotFound true for nil")
	}
}
