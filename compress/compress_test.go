package compress

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(rng.IntN(256))
	}

	inputs := map[string][]byte{
		"empty":    {},
		"single":   {'x'},
		"run":      bytes.Repeat([]byte{0}, 1000),
		"long run": bytes.Repeat([]byte("a"), 600),
		"html":     []byte(strings.Repeat("<div class=\"row\"><p>crawl page</p></div>\n", 200)),
		"random":   random,
		"all bytes": func() []byte {
			b := make([]byte, 256)
			for i := range b {
				b[i] = byte(i)
			}
			return b
		}(),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			enc, stats := Encode(in)
			assert.Equal(t, len(in), stats.OriginalBytes)
			assert.Equal(t, len(enc), stats.CompressedBytes)

			dec, err := Decode(enc)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(in, dec), "round trip mismatch")
		})
	}
}

func TestEncode_ShrinksText(t *testing.T) {
	// WHAT: repetitive markup compresses well below its raw size.
	// WHY: raw captures of crawled HTML are the archive's bulk.
	in := []byte(strings.Repeat("<li><a href=\"/docs\">Documentation</a></li>\n", 300))
	_, stats := Encode(in)
	assert.Less(t, stats.Ratio(), 0.75)
}

func TestEncode_NeverGrowsPastStored(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	in := make([]byte, 2048)
	for i := range in {
		in[i] = byte(rng.IntN(256))
	}
	enc, _ := Encode(in)
	assert.LessOrEqual(t, len(enc), len(in)+headerLen(len(in)))
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte("nope"))
	assert.ErrorIs(t, err, ErrCorrupt)

	enc, _ := Encode([]byte(strings.Repeat("abcabc", 50)))
	_, err = Decode(enc[:len(enc)-3])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_ImpossibleLengthIsCorrupt(t *testing.T) {
	// WHAT: a header length larger than the body could ever expand to is rejected.
	// WHY: captures are read back from storage and must not drive an allocation panic.
	for _, n := range []uint64{1 << 63, 1 << 40, 8*maxRun*4 + 1} {
		data := append([]byte{}, magic[:]...)
		data = append(data, modeRanked)
		data = binary.AppendUvarint(data, n)
		data = append(data, 0, 'a', 0x00)
		require.NotPanics(t, func() {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
