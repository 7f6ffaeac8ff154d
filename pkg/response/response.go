// Package response implements the response-content value: an
// immutable description of status, headers, conditional metadata, and a
// deferred, pull-based body producer.
package response

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/WhileEndless/httpchannel/pkg/errors"
	"github.com/WhileEndless/httpchannel/pkg/etag"
	"github.com/WhileEndless/httpchannel/pkg/httpstatus"
	"github.com/WhileEndless/httpchannel/pkg/mimetype"
)

// BodyProducer is a pull-based body writer: each call fills buf with up to
// len(buf) bytes and returns the count written. Returning 0 (with a nil
// error) signals end-of-body. An error aborts the body and becomes a
// response_body_error incident.
type BodyProducer func(buf []byte) (int, error)

// HeaderField is one (name, value) pair appended by a custom-header
// provider, emitted after the built-in headers in registration order.
type HeaderField struct {
	Name  string
	Value string
}

// Options are boolean response-level flags.
type Options struct {
	NeedsDisconnect bool
}

// Response is the immutable response-content value. All modifier methods
// return a new value; none mutate the receiver.
type Response struct {
	Status           httpstatus.Status
	CustomHeaders    []HeaderField
	ContentType      *mimetype.MIME
	ContentLength    *int64
	EntityTag        *etag.Tag
	ModificationDate *time.Time
	Location         *string
	Opts             Options
	Body             BodyProducer
}

// OK builds a bare 200 response with no body.
func OK() Response {
	return Response{Status: httpstatus.OK}
}

// NotFound builds a bare 404 response with no body.
func NotFound() Response {
	return Response{Status: httpstatus.NotFound}
}

// JSON builds a 200 response with Content-Type application/json and the
// given deferred body.
func JSON(body BodyProducer) Response {
	ct := mimetype.ApplicationJSON
	return Response{Status: httpstatus.OK, ContentType: &ct, Body: body}
}

// Binary builds a 200 response with Content-Type application/octet-stream
// and the given deferred body.
func Binary(body BodyProducer) Response {
	ct := mimetype.ApplicationOctetStream
	return Response{Status: httpstatus.OK, ContentType: &ct, Body: body}
}

// StringBody builds a 200 response with Content-Type text/plain and the
// given deferred body.
func StringBody(body BodyProducer) Response {
	ct := mimetype.TextPlain
	return Response{Status: httpstatus.OK, ContentType: &ct, Body: body}
}

// WithStatus returns a copy with Status replaced.
func (r Response) WithStatus(s httpstatus.Status) Response {
	r.Status = s
	return r
}

// WithContentType returns a copy with ContentType set.
func (r Response) WithContentType(ct mimetype.MIME) Response {
	r.ContentType = &ct
	return r
}

// WithContentLength returns a copy with ContentLength set explicitly.
func (r Response) WithContentLength(n int64) Response {
	r.ContentLength = &n
	return r
}

// WithoutContentLength returns a copy with no explicit Content-Length.
func (r Response) WithoutContentLength() Response {
	r.ContentLength = nil
	return r
}

// WithEntityTag returns a copy with EntityTag set.
func (r Response) WithEntityTag(et etag.Tag) Response {
	r.EntityTag = &et
	return r
}

// WithModificationDate returns a copy with ModificationDate set.
func (r Response) WithModificationDate(t time.Time) Response {
	r.ModificationDate = &t
	return r
}

// WithLocation returns a copy with Location set.
func (r Response) WithLocation(u string) Response {
	r.Location = &u
	return r
}

// WithHeader returns a copy with one more custom header appended.
func (r Response) WithHeader(name, value string) Response {
	headers := make([]HeaderField, len(r.CustomHeaders), len(r.CustomHeaders)+1)
	copy(headers, r.CustomHeaders)
	r.CustomHeaders = append(headers, HeaderField{Name: name, Value: value})
	return r
}

// WithHeaders returns a copy with all of fields appended, in order.
func (r Response) WithHeaders(fields ...HeaderField) Response {
	headers := make([]HeaderField, len(r.CustomHeaders), len(r.CustomHeaders)+len(fields))
	copy(headers, r.CustomHeaders)
	r.CustomHeaders = append(headers, fields...)
	return r
}

// NeedsDisconnect returns a copy with the needs_disconnect flag set.
func (r Response) NeedsDisconnect(flag bool) Response {
	r.Opts.NeedsDisconnect = flag
	return r
}

// Bodiless returns a copy with no body producer (Content-Length, if set,
// is left untouched).
func (r Response) Bodiless() Response {
	r.Body = nil
	return r
}

// WithBody returns a copy with body replaced by producer.
func (r Response) WithBody(producer BodyProducer) Response {
	r.Body = producer
	return r
}

// FromFile implements the file-response factory contract: the URL is
// resolved against baseDir (after one level of directory-to-index-file
// resolution using indexNames, in order), and on success the response
// carries the file's size as ContentLength, its modification time, an
// entity tag derived from the modification time, and a lazy
// open-stream-on-demand body producer.
func FromFile(baseDir, relPath string, indexNames []string) (Response, error) {
	full := filepath.Join(baseDir, filepath.FromSlash(relPath))

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Response{}, errors.NewFileResponseError("file_does_not_exist", err)
		}
		return Response{}, errors.NewFileResponseError("stat", err)
	}

	if info.IsDir() {
		resolved := ""
		for _, name := range indexNames {
			candidate := filepath.Join(full, name)
			ci, cerr := os.Stat(candidate)
			if cerr == nil && !ci.IsDir() {
				resolved = candidate
				info = ci
				break
			}
		}
		if resolved == "" {
			return Response{}, errors.NewFileResponseError("unable_to_find_index_file", nil)
		}
		full = resolved
	} else if !info.Mode().IsRegular() {
		return Response{}, errors.NewFileResponseError("is_not_a_file", nil)
	}

	modTime := info.ModTime().UTC()
	tagValue := modTimeEntityTag(modTime)
	tag, tagErr := etag.New(tagValue, false)
	if tagErr != nil {
		return Response{}, errors.NewFileResponseError("unable_to_create_input_stream", tagErr)
	}

	size := info.Size()
	ct := mimetype.FromExtension(full)
	path := full

	resp := Response{
		Status:           httpstatus.OK,
		ContentType:      &ct,
		ContentLength:    &size,
		EntityTag:        &tag,
		ModificationDate: &modTime,
		Body:             lazyFileProducer(path),
	}
	return resp, nil
}

// modTimeEntityTag renders hex(bytes_of(modification_time)) using the
// modification time's Unix-nanosecond representation as the byte source.
func modTimeEntityTag(t time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return hex.EncodeToString(buf[:])
}

// lazyFileProducer returns a BodyProducer that opens path on its first
// invocation and streams its contents thereafter, closing the handle at
// end-of-body or on error.
func lazyFileProducer(path string) BodyProducer {
	var f *os.File
	return func(buf []byte) (int, error) {
		if f == nil {
			opened, err := os.Open(path)
			if err != nil {
				return 0, errors.NewFileResponseError("unable_to_create_input_stream", err)
			}
			f = opened
		}
		n, err := f.Read(buf)
		if n > 0 {
			return n, nil
		}
		closeErr := f.Close()
		if err != nil && err != io.EOF {
			return 0, errors.NewFileResponseError("read", err)
		}
		if closeErr != nil {
			return 0, errors.NewFileResponseError("close", closeErr)
		}
		return 0, nil
	}
}
