package audio

import (
	"bytes"
	"io"

	"github.com/jwulff/consulta/internal/domain"
)

// Blob is a finished, immutable recording.
type Blob struct {
	data []byte
	mime string
}

// NewBlob copies data into a blob.
func NewBlob(data []byte, mime string) *Blob {
	return &Blob{data: append([]byte(nil), data...), mime: mime}
}

// Bytes returns a copy of the encoded audio.
func (b *Blob) Bytes() []byte { return append([]byte(nil), b.data...) }

// Len returns the encoded size.
func (b *Blob) Len() int { return len(b.data) }

// Reader reads the encoded audio.
func (b *Blob) Reader() io.Reader { return bytes.NewReader(b.data) }

// MIME returns the container type.
func (b *Blob) MIME() string { return b.mime }

// Ext returns the file extension for the container.
func (b *Blob) Ext() string { return Extension(b.mime) }

// Clip converts the blob for upload.
func (b *Blob) Clip() domain.AudioClip {
	return domain.AudioClip{Data: b.Bytes(), MIME: BaseMIME(b.mime), Extension: b.Ext()}
}
