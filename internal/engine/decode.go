package engine

import (
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/zombor/scancore/internal/scanning"
)

// barcodeReaders lists the decoders in the order they are tried.
var barcodeReaders = []struct {
	typ    scanning.ResultType
	reader func() gozxing.Reader
}{
	{scanning.ResultEAN13, oned.NewEAN13Reader},
	{scanning.ResultEAN8, oned.NewEAN8Reader},
	{scanning.ResultQRCode, qrcode.NewQRCodeReader},
}

// decodeBarcode tries each requested format in turn and returns the first
// barcode found, or nil.
func decodeBarcode(img *image.Gray, formats scanning.ResultType) (*scanning.Result, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, scanning.NewError(scanning.CodeGeneric, "decode", err)
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	for _, r := range barcodeReaders {
		if !formats.Has(r.typ) {
			continue
		}
		res, err := r.reader().Decode(bmp, hints)
		if err != nil {
			// Readers only fail with not-found, checksum or format exceptions.
			continue
		}
		return scanning.NewResult(r.typ, []byte(res.GetText())), nil
	}
	return nil, nil
}
