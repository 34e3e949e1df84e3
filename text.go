package amx

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// ErrBufferTooSmall is returned when a destination buffer cannot hold the
// encoded text plus its NUL terminator.
var ErrBufferTooSmall = errors.New("amx: buffer too small for encoded text")

// ASCII is the 7-bit encoding used when no encoding was negotiated for the
// connection. Runes above 0x7F encode to '?', bytes above 0x7F decode to
// U+FFFD. x/text exports no plain ASCII codec, so this implements one on
// its Encoding and transform interfaces.
var ASCII encoding.Encoding = asciiCodec{}

func activeEncoding(enc encoding.Encoding) encoding.Encoding {
	if enc == nil {
		return ASCII
	}
	return enc
}

// ByteCount returns the number of bytes needed to hold s encoded with enc,
// plus one for the NUL terminator. Callers size buffers with this before
// EncodeText; size negotiation always flows through the encoded length
// because the AMX side only ever knows encoded lengths.
func ByteCount(enc encoding.Encoding, s string) (int, error) {
	raw, err := encodeBytes(enc, s)
	if err != nil {
		return 0, err
	}
	return len(raw) + 1, nil
}

// EncodeText encodes s into dst with enc. Every byte after the encoded
// text, including the final byte of dst, is forced to zero so the buffer
// is always NUL-terminated. Fails with ErrBufferTooSmall when dst is
// smaller than ByteCount(enc, s).
func EncodeText(enc encoding.Encoding, s string, dst []byte) error {
	raw, err := encodeBytes(enc, s)
	if err != nil {
		return err
	}
	if len(dst) < len(raw)+1 {
		return ErrBufferTooSmall
	}
	copy(dst, raw)
	for i := len(raw); i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// DecodeText decodes src with enc and strips all trailing NULs, not just
// the terminator, before returning.
func DecodeText(enc encoding.Encoding, src []byte) (string, error) {
	out, err := activeEncoding(enc).NewDecoder().Bytes(src)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\x00"), nil
}

func encodeBytes(enc encoding.Encoding, s string) ([]byte, error) {
	// Unsupported runes are substituted, never fatal, matching how the
	// server side treats text it cannot represent.
	e := encoding.ReplaceUnsupported(activeEncoding(enc).NewEncoder())
	return e.Bytes([]byte(s))
}

type asciiCodec struct{}

func (asciiCodec) NewDecoder() *encoding.Decoder {
	return &encoding.Decoder{Transformer: asciiDecoder{}}
}

func (asciiCodec) NewEncoder() *encoding.Encoder {
	return &encoding.Encoder{Transformer: asciiEncoder{}}
}

type asciiEncoder struct{ transform.NopResetter }

func (asciiEncoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size == 1 && !atEOF && !utf8.FullRune(src[nSrc:]) {
			err = transform.ErrShortSrc
			break
		}
		if nDst >= len(dst) {
			err = transform.ErrShortDst
			break
		}
		if r > 0x7F {
			dst[nDst] = '?'
		} else {
			dst[nDst] = byte(r)
		}
		nDst++
		nSrc += size
	}
	return nDst, nSrc, err
}

type asciiDecoder struct{ transform.NopResetter }

func (asciiDecoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c < 0x80 {
			if nDst >= len(dst) {
				err = transform.ErrShortDst
				break
			}
			dst[nDst] = c
			nDst++
		} else {
			if nDst+3 > len(dst) {
				err = transform.ErrShortDst
				break
			}
			nDst += utf8.EncodeRune(dst[nDst:], utf8.RuneError)
		}
		nSrc++
	}
	return nDst, nSrc, err
}
