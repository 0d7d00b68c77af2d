package dicomweb

import (
	"fmt"
	"io"
	"math/rand"
	"time"
)

// NewBoundary produces a multipart boundary unique enough for one response.
func NewBoundary() string {
	return fmt.Sprintf("----DICOMwebBoundary%d%06d", time.Now().UnixNano(), rand.Intn(1000000))
}

// MultipartContentType returns the Content-Type header value for a WADO
// multipart/related response.
func MultipartContentType(boundary string) string {
	return fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary)
}

// WriteMultipart emits each Part-10 instance as an application/dicom part
// and terminates the body.
func WriteMultipart(w io.Writer, boundary string, parts [][]byte) error {
	for _, part := range parts {
		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: application/dicom\r\nContent-Length: %d\r\n\r\n", boundary, len(part)); err != nil {
			return err
		}
		if _, err := w.Write(part); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "--%s--\r\n", boundary)
	return err
}
