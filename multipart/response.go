// Package multipart assembles the aggregate response returned to the
// inbound client: an ordered list of named parts, each carrying the full
// raw HTTP reply of one downstream call, serialized as multipart/mixed.
package multipart

import (
	"bytes"
	"errors"
	"fmt"
	mime "mime/multipart"
	"net/textproto"
)

// DefaultChunkName names parts that do not belong to a specific service.
const DefaultChunkName = "default"

// ErrDuplicatePart is returned when a chunk name is added twice.
var ErrDuplicatePart = errors.New("duplicate part")

// Part is one named segment of the aggregate response.
type Part struct {
	Name    string
	Payload []byte
}

// Response accumulates named parts in insertion order. It is not safe for
// concurrent use; the scheduler serializes all access.
type Response struct {
	parts []Part
	names map[string]struct{}
}

// New returns an empty response.
func New() *Response {
	return &Response{names: make(map[string]struct{})}
}

// AddPart appends a named part. Chunk names are unique within a response.
func (r *Response) AddPart(name string, payload []byte) error {
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePart, name)
	}

	r.names[name] = struct{}{}
	r.parts = append(r.parts, Part{Name: name, Payload: payload})
	return nil
}

// Len returns the number of parts.
func (r *Response) Len() int {
	return len(r.parts)
}

// Parts returns the parts in insertion order. Callers must not modify the
// returned slice.
func (r *Response) Parts() []Part {
	return r.parts
}

// Has reports whether a part with the given name was added.
func (r *Response) Has(name string) bool {
	_, ok := r.names[name]
	return ok
}

// Serialize renders the response as multipart/mixed with a generated
// boundary. Each part carries a Content-Disposition header naming its chunk
// and the raw downstream HTTP reply as its body. Part order matches
// insertion order.
func (r *Response) Serialize() (contentType string, body []byte, err error) {
	var buf bytes.Buffer
	w := mime.NewWriter(&buf)

	for _, part := range r.parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf("form-data; name=%q", part.Name))

		pw, err := w.CreatePart(header)
		if err != nil {
			return "", nil, fmt.Errorf("creating part %s: %w", part.Name, err)
		}
		if _, err := pw.Write(part.Payload); err != nil {
			return "", nil, fmt.Errorf("writing part %s: %w", part.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("closing multipart body: %w", err)
	}

	return "multipart/mixed; boundary=" + w.Boundary(), buf.Bytes(), nil
}
