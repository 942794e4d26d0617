package workfn

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidCarrier(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLSBEmbedExtractRoundTrip(t *testing.T) {
	carrier := solidCarrier(t, 64, 64)
	payload := []byte("hidden message")

	encoded, err := LSBEmbed(context.Background(), carrier, payload)
	require.NoError(t, err)

	extracted, err := LSBExtract(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, extracted)
}

func TestLSBEmbedRejectsOversizedPayload(t *testing.T) {
	carrier := solidCarrier(t, 4, 4)
	payload := bytes.Repeat([]byte{0xFF}, 1024)

	_, err := LSBEmbed(context.Background(), carrier, payload)
	assert.Error(t, err)
}

func TestLSBEmbedRejectsInvalidCarrier(t *testing.T) {
	_, err := LSBEmbed(context.Background(), []byte("not an image"), []byte("x"))
	assert.Error(t, err)
}

func TestDelayedRunsInnerAfterWaiting(t *testing.T) {
	inner := func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	}
	fn := Delayed(10*time.Millisecond, inner)

	start := time.Now()
	out, err := fn(context.Background(), nil, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), out)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestDelayedHonorsContextCancellation(t *testing.T) {
	inner := func(ctx context.Context, meta, payload []byte) ([]byte, error) {
		t.Fatal("inner should not run once the context is canceled during the delay")
		return nil, nil
	}
	fn := Delayed(time.Second, inner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := fn(ctx, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
