// Package precondition evaluates RFC 9110 conditional-request preconditions
// against a candidate response: entity-tag
// branch first, then modification-date branch, falling back to the
// original response unchanged.
package precondition

import (
	"github.com/WhileEndless/httpchannel/pkg/etag"
	"github.com/WhileEndless/httpchannel/pkg/httpdate"
	"github.com/WhileEndless/httpchannel/pkg/httpmethod"
	"github.com/WhileEndless/httpchannel/pkg/httpstatus"
	"github.com/WhileEndless/httpchannel/pkg/response"
)

// Conditions carries the raw (unparsed) conditional-request header values
// present on the request. An empty string means the header was absent.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   string
	IfUnmodifiedSince string
}

// Evaluate applies the precondition rules to candidate given the request
// method and conditions, returning either candidate unchanged or a
// 304/412 replacement: a copy of candidate with its status replaced and its
// body producer removed, every other field (ETag, Content-Type,
// Content-Length, custom headers, ...) kept as it was.
func Evaluate(candidate response.Response, method httpmethod.Method, cond Conditions) response.Response {
	if cond.IfMatch != "" {
		if r, replaced := evalIfMatch(candidate, cond.IfMatch); replaced {
			return r
		}
	}
	noneMatchPresent := cond.IfNoneMatch != ""
	if noneMatchPresent {
		if r, replaced := evalIfNoneMatch(candidate, method, cond.IfNoneMatch); replaced {
			return r
		}
	}

	if candidate.ModificationDate != nil {
		if !noneMatchPresent && cond.IfModifiedSince != "" {
			if r, replaced := evalIfModifiedSince(candidate, method, cond.IfModifiedSince); replaced {
				return r
			}
		}
		if !noneMatchPresent && cond.IfUnmodifiedSince != "" {
			if r, replaced := evalIfUnmodifiedSince(candidate, cond.IfUnmodifiedSince); replaced {
				return r
			}
		}
	}

	return candidate
}

func evalIfMatch(candidate response.Response, raw string) (response.Response, bool) {
	if candidate.EntityTag == nil || candidate.EntityTag.Weak {
		if etag.Validate(raw) == nil {
			return candidate.WithStatus(httpstatus.PreconditionFailed).Bodiless(), true
		}
		return candidate, false
	}
	matches, err := etag.Contains(*candidate.EntityTag, raw)
	if err != nil {
		return candidate, false
	}
	if !matches {
		return candidate.WithStatus(httpstatus.PreconditionFailed).Bodiless(), true
	}
	return candidate, false
}

func evalIfNoneMatch(candidate response.Response, method httpmethod.Method, raw string) (response.Response, bool) {
	if candidate.EntityTag == nil {
		return candidate, false
	}
	matches, err := etag.Contains(*candidate.EntityTag, raw)
	if err != nil {
		return candidate, false
	}
	if !matches {
		return candidate, false
	}
	if method.Equal(httpmethod.GET) || method.Equal(httpmethod.HEAD) {
		return candidate.WithStatus(httpstatus.NotModified).Bodiless(), true
	}
	return candidate.WithStatus(httpstatus.PreconditionFailed).Bodiless(), true
}

func evalIfModifiedSince(candidate response.Response, method httpmethod.Method, raw string) (response.Response, bool) {
	if !method.Equal(httpmethod.GET) && !method.Equal(httpmethod.HEAD) {
		return candidate, false
	}
	since, err := httpdate.Parse(raw)
	if err != nil {
		return candidate, false
	}
	if !candidate.ModificationDate.After(since) {
		return candidate.WithStatus(httpstatus.NotModified).Bodiless(), true
	}
	return candidate, false
}

func evalIfUnmodifiedSince(candidate response.Response, raw string) (response.Response, bool) {
	since, err := httpdate.Parse(raw)
	if err != nil {
		return candidate, false
	}
	if candidate.ModificationDate.After(since) {
		return candidate.WithStatus(httpstatus.PreconditionFailed).Bodiless(), true
	}
	return candidate, false
}
