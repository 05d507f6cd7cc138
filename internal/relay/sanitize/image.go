package sanitize

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
)

// StripImageMetadata re-encodes JPEG and PNG payloads, which drops EXIF
// segments and ancillary chunks. Other formats are returned unchanged.
func StripImageMetadata(data []byte) ([]byte, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}
	switch format {
	case "jpeg", "png":
	default:
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
