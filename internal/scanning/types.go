package scanning

import "bytes"

// ResultType identifies what kind of target a scan recognized. The values
// double as a bitmask of requested types when passed as scan options.
type ResultType uint32

const (
	ResultNone   ResultType = 0
	ResultEAN8   ResultType = 1 << 0  // EAN8 linear barcode
	ResultEAN13  ResultType = 1 << 1  // EAN13 linear barcode
	ResultQRCode ResultType = 1 << 2  // QR Code 2D barcode
	ResultImage  ResultType = 1 << 31 // Image record
)

// BarcodeTypes is the mask of every barcode format.
const BarcodeTypes = ResultEAN8 | ResultEAN13 | ResultQRCode

// Has reports whether all bits of t are set in m.
func (m ResultType) Has(t ResultType) bool {
	return t != ResultNone && m&t == t
}

func (m ResultType) String() string {
	switch m {
	case ResultNone:
		return "none"
	case ResultEAN8:
		return "ean8"
	case ResultEAN13:
		return "ean13"
	case ResultQRCode:
		return "qrcode"
	case ResultImage:
		return "image"
	}
	return "mask"
}

// Result is an immutable recognition result. Its value is an image
// identifier for ResultImage, the barcode digits for EAN8/EAN13 and the raw
// (unparsed) payload for QR codes.
type Result struct {
	typ  ResultType
	data []byte
}

// NewResult copies data into a new Result.
func NewResult(typ ResultType, data []byte) *Result {
	return &Result{typ: typ, data: bytes.Clone(data)}
}

// NewImageResult returns an image result for the given record id.
func NewImageResult(id string) *Result {
	return &Result{typ: ResultImage, data: []byte(id)}
}

// Type returns the result type.
func (r *Result) Type() ResultType {
	if r == nil {
		return ResultNone
	}
	return r.typ
}

// Bytes returns a copy of the raw payload.
func (r *Result) Bytes() []byte {
	if r == nil {
		return nil
	}
	return bytes.Clone(r.data)
}

// Value returns the payload as a UTF-8 string.
func (r *Result) Value() string {
	if r == nil {
		return ""
	}
	return string(r.data)
}

// Equal reports whether both results have the same type and payload.
func (r *Result) Equal(o *Result) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.typ == o.typ && bytes.Equal(r.data, o.data)
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	return NewResult(r.typ, r.data)
}

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.typ.String() + ":" + string(r.data)
}
