// Package firmware loads update images from Intel HEX files.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

// MaxImageSize is the largest image the bootloader accepts in one download.
const MaxImageSize = 0xFFFF

var (
	ErrEmptyImage = errors.New("firmware: no data segments")
	ErrTooLarge   = errors.New("firmware: image too large")
	ErrBadName    = errors.New("firmware: invalid file name")
)

// Segment is one contiguous run of image bytes.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is a parsed firmware file.
type Image struct {
	Name     string
	Segments []Segment
}

// Size returns the total number of data bytes.
func (im *Image) Size() int {
	n := 0
	for _, s := range im.Segments {
		n += len(s.Data)
	}
	return n
}

// Payload concatenates the segments in address order.
func (im *Image) Payload() []byte {
	out := make([]byte, 0, im.Size())
	for _, s := range im.Segments {
		out = append(out, s.Data...)
	}
	return out
}

// Parse reads an Intel HEX stream.
func Parse(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("firmware: parse: %w", err)
	}
	segs := mem.GetDataSegments()
	if len(segs) == 0 {
		return nil, ErrEmptyImage
	}
	im := &Image{Segments: make([]Segment, 0, len(segs))}
	for _, s := range segs {
		im.Segments = append(im.Segments, Segment{Address: s.Address, Data: append([]byte(nil), s.Data...)})
	}
	if n := im.Size(); n > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, n, MaxImageSize)
	}
	return im, nil
}

// Load parses name from dir. name must be a plain file name.
func Load(dir, name string) (*Image, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	defer f.Close()
	im, err := Parse(f)
	if err != nil {
		return nil, err
	}
	im.Name = name
	return im, nil
}
