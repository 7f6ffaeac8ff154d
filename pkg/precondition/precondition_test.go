package precondition

import (
	"testing"
	"time"

	"github.com/WhileEndless/httpchannel/pkg/etag"
	"github.com/WhileEndless/httpchannel/pkg/httpmethod"
	"github.com/WhileEndless/httpchannel/pkg/httpstatus"
	"github.com/WhileEndless/httpchannel/pkg/response"
)

func withTag(value string, weak bool) response.Response {
	tag, _ := etag.New(value, weak)
	return response.OK().WithEntityTag(tag)
}

// S3 304 via etag.
func TestIfNoneMatchReturns304ForGET(t *testing.T) {
	candidate := withTag("abc", false)
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfNoneMatch: `"abc"`})
	if got.Status != httpstatus.NotModified {
		t.Fatalf("Status = %v, want 304", got.Status)
	}
	if got.EntityTag == nil || got.EntityTag.Value != "abc" {
		t.Fatal("304 should retain the ETag")
	}
	if got.Body != nil {
		t.Fatal("304 must be bodiless")
	}
}

func TestIfNoneMatchReturns412ForNonSafeMethod(t *testing.T) {
	candidate := withTag("abc", false)
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfNoneMatch: `"abc"`})
	if got.Status != httpstatus.PreconditionFailed {
		t.Fatalf("Status = %v, want 412", got.Status)
	}
}

func TestIfNoneMatchNoMatchPassesThrough(t *testing.T) {
	candidate := withTag("abc", false)
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfNoneMatch: `"zzz"`})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged 200", got.Status)
	}
}

func TestIfNoneMatchAbsentEntityTagDoesNothing(t *testing.T) {
	candidate := response.OK()
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfNoneMatch: `"abc"`})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged", got.Status)
	}
}

// S4 412 via if-match.
func TestIfMatchReturns412OnMismatch(t *testing.T) {
	candidate := withTag("v2", false)
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfMatch: `"v1"`})
	if got.Status != httpstatus.PreconditionFailed {
		t.Fatalf("Status = %v, want 412", got.Status)
	}
}

func TestIfMatchPassesOnMatch(t *testing.T) {
	candidate := withTag("v1", false)
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfMatch: `"v1"`})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged 200", got.Status)
	}
}

func TestIfMatchNoEntityTagFails412WhenListParses(t *testing.T) {
	candidate := response.OK()
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfMatch: `"v1"`})
	if got.Status != httpstatus.PreconditionFailed {
		t.Fatalf("Status = %v, want 412", got.Status)
	}
}

func TestIfMatchWeakEntityTagNeverSatisfiesStrongComparison(t *testing.T) {
	candidate := withTag("v1", true)
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfMatch: `"v1"`})
	if got.Status != httpstatus.PreconditionFailed {
		t.Fatalf("Status = %v, want 412 (weak tags never satisfy If-Match)", got.Status)
	}
}

// Testable property 6: parse failure ignores the precondition.
func TestParseFailureIgnoresIfMatch(t *testing.T) {
	candidate := withTag("v1", false)
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfMatch: `not-a-valid-list`})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want candidate unchanged on parse failure", got.Status)
	}
}

func TestParseFailureIgnoresIfNoneMatch(t *testing.T) {
	candidate := withTag("v1", false)
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfNoneMatch: `not-a-valid-list`})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want candidate unchanged on parse failure", got.Status)
	}
}

func TestParseFailureIgnoresIfModifiedSince(t *testing.T) {
	mdate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candidate := response.OK().WithModificationDate(mdate)
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfModifiedSince: "garbage"})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want candidate unchanged on parse failure", got.Status)
	}
}

func TestIfModifiedSinceNotModifiedWhenNotNewer(t *testing.T) {
	mdate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candidate := response.OK().WithModificationDate(mdate)
	raw := mdate.Format("Mon, 02 Jan 2006 15:04:05 GMT")
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfModifiedSince: raw})
	if got.Status != httpstatus.NotModified {
		t.Fatalf("Status = %v, want 304", got.Status)
	}
}

func TestIfModifiedSinceIgnoredForNonGETHEAD(t *testing.T) {
	mdate := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	candidate := response.OK().WithModificationDate(mdate)
	raw := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	got := Evaluate(candidate, httpmethod.POST, Conditions{IfModifiedSince: raw})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged for POST", got.Status)
	}
}

func TestIfModifiedSinceIgnoredWhenIfNoneMatchPresent(t *testing.T) {
	mdate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candidate := withTag("abc", false).WithModificationDate(mdate)
	raw := mdate.Format("Mon, 02 Jan 2006 15:04:05 GMT")
	got := Evaluate(candidate, httpmethod.GET, Conditions{IfNoneMatch: `"zzz"`, IfModifiedSince: raw})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged since If-None-Match took precedence and didn't match", got.Status)
	}
}

func TestIfUnmodifiedSinceFailsWhenNewer(t *testing.T) {
	mdate := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	candidate := response.OK().WithModificationDate(mdate)
	raw := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format("Mon, 02 Jan 2006 15:04:05 GMT")
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfUnmodifiedSince: raw})
	if got.Status != httpstatus.PreconditionFailed {
		t.Fatalf("Status = %v, want 412", got.Status)
	}
}

func TestIfUnmodifiedSincePassesWhenNotNewer(t *testing.T) {
	mdate := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candidate := response.OK().WithModificationDate(mdate)
	raw := mdate.Format("Mon, 02 Jan 2006 15:04:05 GMT")
	got := Evaluate(candidate, httpmethod.PUT, Conditions{IfUnmodifiedSince: raw})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged", got.Status)
	}
}

func TestNoPreconditionsPassesThrough(t *testing.T) {
	candidate := withTag("abc", false)
	got := Evaluate(candidate, httpmethod.GET, Conditions{})
	if got.Status != httpstatus.OK {
		t.Fatalf("Status = %v, want unchanged", got.Status)
	}
}
