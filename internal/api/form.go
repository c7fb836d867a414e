package api

import (
	"bytes"
	"io"
	"mime/multipart"
)

// Form is a multipart form payload for PostForm.
// Add fields and files, then pass the form as the request body; the multipart
// boundary header is derived from the form, never set by the caller.
type Form struct {
	buf    bytes.Buffer
	writer *multipart.Writer
	closed bool
}

// NewForm creates an empty multipart form.
func NewForm() *Form {
	f := &Form{}
	f.writer = multipart.NewWriter(&f.buf)
	return f
}

// AddField appends a simple key/value field.
func (f *Form) AddField(name, value string) error {
	return f.writer.WriteField(name, value)
}

// AddFile appends a file part, copying the content from r.
func (f *Form) AddFile(fieldName, fileName string, r io.Reader) error {
	part, err := f.writer.CreateFormFile(fieldName, fileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

// contentType finalizes the form and returns the multipart content type
// including the boundary.
func (f *Form) contentType() (string, error) {
	if !f.closed {
		if err := f.writer.Close(); err != nil {
			return "", err
		}
		f.closed = true
	}
	return f.writer.FormDataContentType(), nil
}

// bytes finalizes the form and returns the encoded payload.
func (f *Form) bytes() ([]byte, error) {
	if !f.closed {
		if err := f.writer.Close(); err != nil {
			return nil, err
		}
		f.closed = true
	}
	return f.buf.Bytes(), nil
}

// progressReader reports upload progress to a callback as the transport
// consumes the request body.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	report func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.report(p.sent, p.total)
	}
	return n, err
}
