package workfn

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/pkg/errors"
)

// LSBEmbed is the shipped demo work function: meta is a PNG carrier
// image, payload is the data to hide. It writes a 32-bit big-endian
// length prefix followed by payload, one bit per pixel channel byte,
// mirroring the reference implementation's lsb.rs encode: for each bit,
// clear the channel's low bit then OR in the payload bit.
func LSBEmbed(_ context.Context, meta, payload []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(meta))
	if err != nil {
		return nil, errors.Wrap(err, "decode carrier image")
	}

	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	bits := lengthPrefixedBits(payload)
	capacity := bounds.Dx() * bounds.Dy() * 3
	if len(bits) > capacity {
		return nil, errors.Errorf("payload of %d bytes exceeds carrier capacity of %d bits", len(payload), capacity)
	}

	bitIdx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y && bitIdx < len(bits); y++ {
		for x := bounds.Min.X; x < bounds.Max.X && bitIdx < len(bits); x++ {
			c := out.NRGBAAt(x, y)
			c.R = setLSB(c.R, bits, &bitIdx)
			if bitIdx < len(bits) {
				c.G = setLSB(c.G, bits, &bitIdx)
			}
			if bitIdx < len(bits) {
				c.B = setLSB(c.B, bits, &bitIdx)
			}
			out.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, errors.Wrap(err, "encode carrier image with embedded payload")
	}
	return buf.Bytes(), nil
}

// LSBExtract reverses LSBEmbed, reading the 32-bit length prefix then
// that many payload bytes back out of the pixel channels. It has no
// dispatcher call site — viewer-side decoding is out of scope per
// spec.md §1 — but is exercised directly by lsb_test.go to confirm the
// embedding is reversible.
func LSBExtract(encoded []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "decode carrier image")
	}
	bounds := img.Bounds()

	lenBits := make([]byte, 32)
	if !readBits(img, bounds, lenBits, 0) {
		return nil, errors.New("carrier too small to hold a length prefix")
	}
	length := binary.BigEndian.Uint32(packBits(lenBits))

	payloadBits := make([]byte, int(length)*8)
	if !readBits(img, bounds, payloadBits, 32) {
		return nil, errors.New("carrier too small for the declared payload length")
	}
	return packBits(payloadBits), nil
}

func lengthPrefixedBits(payload []byte) []byte {
	header := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	copy(header[4:], payload)

	bits := make([]byte, len(header)*8)
	for i, b := range header {
		for k := 0; k < 8; k++ {
			bits[i*8+k] = (b >> uint(7-k)) & 1
		}
	}
	return bits
}

func packBits(bits []byte) []byte {
	out := make([]byte, len(bits)/8)
	for i := range out {
		var b byte
		for k := 0; k < 8; k++ {
			b = (b << 1) | bits[i*8+k]
		}
		out[i] = b
	}
	return out
}

func setLSB(channel uint8, bits []byte, idx *int) uint8 {
	bit := bits[*idx]
	*idx++
	return (channel &^ 1) | bit
}

// readBits fills dst (one byte per bit, 0 or 1) starting from bit offset
// startBit within the image's pixel channels, scanning rows then columns
// then R, G, B per pixel — the same order LSBEmbed writes in.
func readBits(img image.Image, bounds image.Rectangle, dst []byte, startBit int) bool {
	bitIdx := 0
	target := startBit + len(dst)
	for y := bounds.Min.Y; y < bounds.Max.Y && bitIdx < target; y++ {
		for x := bounds.Min.X; x < bounds.Max.X && bitIdx < target; x++ {
			r, g, b, _ := colorAt(img, x, y)
			for _, ch := range [3]uint32{r, g, b} {
				if bitIdx >= target {
					break
				}
				if bitIdx >= startBit {
					dst[bitIdx-startBit] = byte(ch & 1)
				}
				bitIdx++
			}
		}
	}
	return bitIdx >= target
}

func colorAt(img image.Image, x, y int) (r, g, b, a uint32) {
	c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
	return uint32(c.R), uint32(c.G), uint32(c.B), uint32(c.A)
}
