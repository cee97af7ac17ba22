// Package compress is the archival codec for raw page and file captures.
//
// Bytes are remapped by descending frequency so the most common values get
// the shortest codes, then written as a bit stream with run-length tokens:
//
//	0   xxx       rank 0-7           (4 bits)
//	10  xxxxx     rank 8-39          (7 bits)
//	110 xxxxxxxx  rank 0-255         (11 bits)
//	111 nnnnnnnn  repeat previous symbol n+1 times (11 bits)
//
// Inputs that would grow are stored verbatim. The transform is reversible
// and only ever applied to archived bytes, never to chunk text.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var magic = [3]byte{'S', 'F', 'C'}

const (
	modeStored byte = 0
	modeRanked byte = 1

	minRun = 3
	maxRun = 256
)

// ErrCorrupt is returned by Decode for malformed input.
var ErrCorrupt = errors.New("compress: corrupt input")

// Stats describes one encoding.
type Stats struct {
	OriginalBytes   int
	CompressedBytes int
}

// Ratio is compressed/original, 1 for empty input.
func (s Stats) Ratio() float64 {
	if s.OriginalBytes == 0 {
		return 1
	}
	return float64(s.CompressedBytes) / float64(s.OriginalBytes)
}

// Encode compresses src.
func Encode(src []byte) ([]byte, Stats) {
	ranked := encodeRanked(src)
	out := ranked
	if len(ranked) >= len(src)+headerLen(len(src)) {
		out = stored(src)
	}
	return out, Stats{OriginalBytes: len(src), CompressedBytes: len(out)}
}

func headerLen(n int) int {
	var tmp [binary.MaxVarintLen64]byte
	return len(magic) + 1 + binary.PutUvarint(tmp[:], uint64(n))
}

func header(mode byte, n int) []byte {
	h := append([]byte{}, magic[:]...)
	h = append(h, mode)
	return binary.AppendUvarint(h, uint64(n))
}

func stored(src []byte) []byte {
	return append(header(modeStored, len(src)), src...)
}

// rankTable returns byte values ordered by descending frequency, ties by
// value, limited to values that occur.
func rankTable(src []byte) []byte {
	var freq [256]int
	for _, b := range src {
		freq[b]++
	}
	var table []byte
	for v := range 256 {
		if freq[v] > 0 {
			table = append(table, byte(v))
		}
	}
	sort.SliceStable(table, func(i, j int) bool {
		return freq[table[i]] > freq[table[j]]
	})
	return table
}

func encodeRanked(src []byte) []byte {
	table := rankTable(src)
	var rank [256]byte
	for r, v := range table {
		rank[v] = byte(r)
	}

	out := header(modeRanked, len(src))
	if len(src) == 0 {
		return out
	}
	out = append(out, byte(len(table)-1))
	out = append(out, table...)

	w := &bitWriter{}
	for i := 0; i < len(src); {
		r := rank[src[i]]
		writeSymbol(w, r)
		j := i + 1
		for j < len(src) && src[j] == src[i] && j-i-1 < maxRun {
			j++
		}
		repeats := j - i - 1
		if repeats >= minRun {
			w.write(0b111, 3)
			w.write(uint32(repeats-1), 8)
			i = j
			continue
		}
		i++
	}
	return append(out, w.bytes()...)
}

func writeSymbol(w *bitWriter, r byte) {
	switch {
	case r < 8:
		w.write(uint32(r), 4)
	case r < 40:
		w.write(0b10, 2)
		w.write(uint32(r-8), 5)
	default:
		w.write(0b110, 3)
		w.write(uint32(r), 8)
	}
}

// Decode restores the bytes produced by Encode.
func Decode(data []byte) ([]byte, error) {
	if len(data) < len(magic)+2 || !bytes.Equal(data[:3], magic[:]) {
		return nil, ErrCorrupt
	}
	mode := data[3]
	n, k := binary.Uvarint(data[4:])
	if k <= 0 {
		return nil, ErrCorrupt
	}
	body := data[4+k:]

	switch mode {
	case modeStored:
		if uint64(len(body)) != n {
			return nil, fmt.Errorf("%w: stored length %d, header %d", ErrCorrupt, len(body), n)
		}
		return append([]byte(nil), body...), nil
	case modeRanked:
		// A token is at least one bit and expands to at most maxRun bytes.
		if n > uint64(len(body))*8*maxRun {
			return nil, fmt.Errorf("%w: length %d exceeds what %d bytes can encode", ErrCorrupt, n, len(body))
		}
		return decodeRanked(body, int(n))
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrCorrupt, mode)
	}
}

func decodeRanked(body []byte, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if len(body) < 1 {
		return nil, ErrCorrupt
	}
	size := int(body[0]) + 1
	if len(body) < 1+size {
		return nil, ErrCorrupt
	}
	table := body[1 : 1+size]
	r := &bitReader{buf: body[1+size:]}

	out := make([]byte, 0, n)
	for len(out) < n {
		b0, ok := r.read(1)
		if !ok {
			return nil, ErrCorrupt
		}
		var rank uint32
		if b0 == 0 {
			if rank, ok = r.read(3); !ok {
				return nil, ErrCorrupt
			}
		} else {
			b1, ok := r.read(1)
			if !ok {
				return nil, ErrCorrupt
			}
			if b1 == 0 {
				v, ok := r.read(5)
				if !ok {
					return nil, ErrCorrupt
				}
				rank = v + 8
			} else {
				b2, ok := r.read(1)
				if !ok {
					return nil, ErrCorrupt
				}
				v, ok := r.read(8)
				if !ok {
					return nil, ErrCorrupt
				}
				if b2 == 1 {
					if len(out) == 0 || len(out)+int(v)+1 > n {
						return nil, ErrCorrupt
					}
					prev := out[len(out)-1]
					for range int(v) + 1 {
						out = append(out, prev)
					}
					continue
				}
				rank = v
			}
		}
		if int(rank) >= len(table) {
			return nil, ErrCorrupt
		}
		out = append(out, table[rank])
	}
	return out, nil
}

type bitWriter struct {
	buf   []byte
	cur   byte
	nbits uint
}

// write appends the low n bits of v, most significant first.
func (w *bitWriter) write(v uint32, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		w.cur = w.cur<<1 | byte(v>>uint(i)&1)
		w.nbits++
		if w.nbits == 8 {
			w.buf = append(w.buf, w.cur)
			w.cur, w.nbits = 0, 0
		}
	}
}

func (w *bitWriter) bytes() []byte {
	if w.nbits > 0 {
		return append(w.buf, w.cur<<(8-w.nbits))
	}
	return w.buf
}

type bitReader struct {
	buf []byte
	pos uint
}

func (r *bitReader) read(n uint) (uint32, bool) {
	var v uint32
	for range n {
		idx := r.pos / 8
		if int(idx) >= len(r.buf) {
			return 0, false
		}
		bit := r.buf[idx] >> (7 - r.pos%8) & 1
		v = v<<1 | uint32(bit)
		r.pos++
	}
	return v, true
}
