package builder

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gridctl/fleetbuild/pkg/metadata"
)

// Request is one build request. It is parsed once and never modified.
type Request struct {
	AppSlug        string
	DockerfilePath string
	NoCache        bool
	Headless       bool
	IsDraft        bool
	Emulated       bool // false means "auto"
	AuthToken      string
}

// ParseRequest reads the build parameters from a query string and pairs them
// with the caller's bearer token.
func ParseRequest(q url.Values, token string) (Request, error) {
	req := Request{
		AppSlug:        strings.TrimSpace(q.Get("slug")),
		DockerfilePath: strings.TrimSpace(q.Get("dockerfilePath")),
		NoCache:        flagValue(q.Get("nocache")),
		Headless:       flagValue(q.Get("headless")),
		IsDraft:        flagValue(q.Get("isdraft")),
		Emulated:       flagValue(q.Get("emulated")),
		AuthToken:      token,
	}
	if req.AppSlug == "" {
		return Request{}, &Fault{Kind: KindValidation, Msg: "missing application slug"}
	}
	if req.AuthToken == "" {
		return Request{}, &Fault{Kind: KindUnauthorized, Msg: "missing bearer token"}
	}
	return req, nil
}

// flagValue treats anything that is not a true boolean, "auto" included, as
// false.
func flagValue(s string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && v
}

// Kind classifies a Fault.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindUnavailable  Kind = "unavailable"
	KindUpstream     Kind = "upstream"
	KindProcess      Kind = "process"
	KindResource     Kind = "resource"
)

// Fault is a build failure with enough context to pick a response status.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Msg + ": " + f.Err.Error()
	}
	return f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

func fault(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// StatusCode maps err to the HTTP status used when the failure happens
// before any response body was written.
func StatusCode(err error) int {
	var f *Fault
	if !errors.As(err, &f) {
		return http.StatusInternalServerError
	}
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream:
		switch {
		case errors.Is(err, metadata.ErrUnauthorized):
			return http.StatusUnauthorized
		case errors.Is(err, metadata.ErrNotFound):
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
