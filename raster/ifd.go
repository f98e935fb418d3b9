package raster

import (
	"encoding/binary"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
	exiftiff "github.com/rwcarlsen/goexif/tiff"
)

// Baseline TIFF tag ids consulted before pixel decoding.
const (
	tagImageWidth          = 256
	tagBitsPerSample       = 258
	tagPhotometric         = 262
	tagSamplesPerPixel     = 277
	tagPlanarConfiguration = 284
	tagExtraSamples        = 338

	photometricBlackIsZero = 1
	photometricRGB         = 2
	planarSeparate         = 2
	extraUnassociatedAlpha = 2

	classicTIFFMagic = 42
)

// byteOrder is satisfied by binary.LittleEndian and binary.BigEndian.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// directory is the first image file directory of a classic TIFF.
type directory struct {
	order byteOrder
	tags  []*exiftiff.Tag
	// next is the offset of the following IFD, kept so overviews survive a
	// rewrite.
	next int32
}

// readDirectory decodes the header and first IFD of the TIFF in r. Only the
// directory and the values it points at are read.
func readDirectory(r io.ReaderAt) (*directory, error) {
	var header [8]byte
	if _, err := r.ReadAt(header[:], 0); err != nil {
		return nil, errors.Wrap(err, "read tiff header")
	}
	var bo byteOrder
	switch string(header[0:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, errors.New("not a valid TIFF file")
	}
	if magic := bo.Uint16(header[2:4]); magic != classicTIFFMagic {
		return nil, errors.Errorf("unsupported TIFF magic %d", magic)
	}

	sr := io.NewSectionReader(r, 0, math.MaxInt64)
	if _, err := sr.Seek(int64(bo.Uint32(header[4:8])), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek to IFD")
	}
	dir, next, err := exiftiff.DecodeDir(sr, bo)
	if err != nil {
		return nil, errors.Wrap(err, "decode IFD")
	}
	return &directory{order: bo, tags: dir.Tags, next: next}, nil
}

func (d *directory) tag(id uint16) *exiftiff.Tag {
	for _, t := range d.tags {
		if t.Id == id {
			return t
		}
	}
	return nil
}

// ints returns the integer values of tag id, or def when the tag is absent.
func (d *directory) ints(id uint16, def ...int) ([]int, error) {
	t := d.tag(id)
	if t == nil {
		return def, nil
	}
	out := make([]int, t.Count)
	for i := range out {
		v, err := t.Int(i)
		if err != nil {
			return nil, errors.Wrapf(err, "tag %d", id)
		}
		out[i] = v
	}
	return out, nil
}

// floats returns the floating point values of tag id, nil when absent.
func (d *directory) floats(id uint16) ([]float64, error) {
	t := d.tag(id)
	if t == nil {
		return nil, nil
	}
	out := make([]float64, t.Count)
	for i := range out {
		v, err := t.Float(i)
		if err != nil {
			return nil, errors.Wrapf(err, "tag %d", id)
		}
		out[i] = v
	}
	return out, nil
}

func (d *directory) drop(ids ...uint16) {
	kept := d.tags[:0]
	for _, t := range d.tags {
		found := false
		for _, id := range ids {
			if t.Id == id {
				found = true
				break
			}
		}
		if !found {
			kept = append(kept, t)
		}
	}
	d.tags = kept
}

func (d *directory) set(t *exiftiff.Tag) {
	d.drop(t.Id)
	d.tags = append(d.tags, t)
}

func (d *directory) setShorts(id uint16, vals ...uint16) {
	var raw []byte
	for _, v := range vals {
		raw = d.order.AppendUint16(raw, v)
	}
	d.set(&exiftiff.Tag{Id: id, Type: exiftiff.DTShort, Count: uint32(len(vals)), Val: raw})
}

func (d *directory) setDoubles(id uint16, vals ...float64) {
	var raw []byte
	for _, v := range vals {
		raw = d.order.AppendUint64(raw, math.Float64bits(v))
	}
	d.set(&exiftiff.Tag{Id: id, Type: exiftiff.DTDouble, Count: uint32(len(vals)), Val: raw})
}

// appendTo writes the directory after data, with out-of-line values ahead of
// it, and points the header at the new IFD. Pixel data is left where it is.
func (d *directory) appendTo(data []byte) []byte {
	out := append([]byte(nil), data...)
	align := func() {
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
	}

	tags := append([]*exiftiff.Tag(nil), d.tags...)
	sort.Slice(tags, func(i, j int) bool { return tags[i].Id < tags[j].Id })

	values := make([][4]byte, len(tags))
	for i, t := range tags {
		if len(t.Val) <= 4 {
			copy(values[i][:], t.Val)
			continue
		}
		align()
		d.order.PutUint32(values[i][:], uint32(len(out)))
		out = append(out, t.Val...)
	}

	align()
	ifd := len(out)
	out = d.order.AppendUint16(out, uint16(len(tags)))
	for i, t := range tags {
		out = d.order.AppendUint16(out, t.Id)
		out = d.order.AppendUint16(out, uint16(t.Type))
		out = d.order.AppendUint32(out, t.Count)
		out = append(out, values[i][:]...)
	}
	out = d.order.AppendUint32(out, uint32(d.next))
	d.order.PutUint32(out[4:8], uint32(ifd))
	return out
}
