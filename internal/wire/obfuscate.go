package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"

	"ciphera/internal/protocol/errs"
)

// Method selects a per-connection obfuscation transform (spec §4.4).
// Every method is bijective: Deobfuscate(Obfuscate(m, x), m) == x for any
// x up to 65535 bytes (spec §8).
type Method int

const (
	MethodRaw Method = iota
	MethodRandomPad
	MethodHTTPLooking
	MethodWebSocketLooking
)

// randomPadMin/Max bound the uniformly-drawn prefix/suffix pad lengths
// (spec §4.4 "[5, 50] each").
const (
	randomPadMin = 5
	randomPadMax = 50
)

// Obfuscate wraps an inner frame payload per method.
func Obfuscate(method Method, payload []byte) ([]byte, error) {
	switch method {
	case MethodRaw:
		return payload, nil
	case MethodRandomPad:
		return obfuscateRandomPad(payload)
	case MethodHTTPLooking:
		return obfuscateHTTPLooking(payload), nil
	case MethodWebSocketLooking:
		return obfuscateWebSocket(payload), nil
	default:
		return nil, errs.New(errs.Protocol, fmt.Sprintf("unknown obfuscation method %d", method))
	}
}

// Deobfuscate reverses Obfuscate for the same method.
func Deobfuscate(method Method, data []byte) ([]byte, error) {
	switch method {
	case MethodRaw:
		return data, nil
	case MethodRandomPad:
		return deobfuscateRandomPad(data)
	case MethodHTTPLooking:
		return deobfuscateHTTPLooking(data)
	case MethodWebSocketLooking:
		return deobfuscateWebSocket(data)
	default:
		return nil, errs.New(errs.Protocol, fmt.Sprintf("unknown obfuscation method %d", method))
	}
}

// obfuscateRandomPad prepends prefix_len‖suffix_len (one byte each,
// [5,50] fits in a byte) then random prefix ‖ payload ‖ random suffix.
// Encoding the lengths explicitly (rather than relying on the outer
// frame length alone) is what makes the transform actually invertible:
// a combined-length-only encoding cannot recover the prefix/payload
// boundary.
func obfuscateRandomPad(payload []byte) ([]byte, error) {
	prefixLen, err := randomPadLen()
	if err != nil {
		return nil, err
	}
	suffixLen, err := randomPadLen()
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, prefixLen)
	suffix := make([]byte, suffixLen)
	if _, err := rand.Read(prefix); err != nil {
		return nil, fmt.Errorf("wire: random prefix: %w", err)
	}
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("wire: random suffix: %w", err)
	}

	out := make([]byte, 0, 2+len(prefix)+len(payload)+len(suffix))
	out = append(out, byte(prefixLen), byte(suffixLen))
	out = append(out, prefix...)
	out = append(out, payload...)
	out = append(out, suffix...)
	return out, nil
}

func deobfuscateRandomPad(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errs.New(errs.Protocol, "random-pad frame shorter than header")
	}
	prefixLen, suffixLen := int(data[0]), int(data[1])
	data = data[2:]
	if len(data) < prefixLen+suffixLen {
		return nil, errs.New(errs.Protocol, "random-pad frame shorter than declared padding")
	}
	return data[prefixLen : len(data)-suffixLen], nil
}

func randomPadLen() (int, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("wire: random pad length: %w", err)
	}
	return randomPadMin + int(b[0])%(randomPadMax-randomPadMin+1), nil
}

const httpHeaderTemplate = "POST /v1/sync HTTP/1.1\r\n" +
	"Host: cdn.example.com\r\n" +
	"Content-Type: application/octet-stream\r\n" +
	"Content-Length: %d\r\n\r\n"

// httpTrailerMax bounds the random bytes appended after the declared
// body, present purely as DPI cover and discarded on deobfuscation.
const httpTrailerMax = 32

// obfuscateHTTPLooking prepends a fixed HTTP/1.1 request header with a
// correct Content-Length, followed by the payload and a random trailer.
func obfuscateHTTPLooking(payload []byte) []byte {
	header := fmt.Sprintf(httpHeaderTemplate, len(payload))
	trailer := make([]byte, 1)
	_, _ = rand.Read(trailer)
	n := int(trailer[0]) % (httpTrailerMax + 1)
	trailer = make([]byte, n)
	_, _ = rand.Read(trailer)

	out := make([]byte, 0, len(header)+len(payload)+len(trailer))
	out = append(out, []byte(header)...)
	out = append(out, payload...)
	out = append(out, trailer...)
	return out
}

// deobfuscateHTTPLooking locates CRLFCRLF and reads exactly
// Content-Length bytes after it, ignoring any trailer.
func deobfuscateHTTPLooking(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, errs.New(errs.Protocol, "http-looking frame missing header terminator")
	}
	header := string(data[:idx])
	const marker = "Content-Length: "
	pos := bytes.Index([]byte(header), []byte(marker))
	if pos < 0 {
		return nil, errs.New(errs.Protocol, "http-looking frame missing Content-Length")
	}
	rest := header[pos+len(marker):]
	if nl := bytes.IndexByte([]byte(rest), '\r'); nl >= 0 {
		rest = rest[:nl]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return nil, errs.New(errs.Protocol, "http-looking frame has malformed Content-Length")
	}
	body := data[idx+4:]
	if len(body) < n {
		return nil, errs.New(errs.Protocol, "http-looking frame shorter than Content-Length")
	}
	return body[:n], nil
}

// obfuscateWebSocket prepends an RFC 6455 frame header (FIN=1, opcode=1
// text, no mask bit) with the correct 7/7+16/7+64-bit length encoding.
func obfuscateWebSocket(payload []byte) []byte {
	n := len(payload)
	var hdr []byte
	switch {
	case n <= 125:
		hdr = []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		hdr = make([]byte, 4)
		hdr[0], hdr[1] = 0x81, 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(n))
	default:
		hdr = make([]byte, 10)
		hdr[0], hdr[1] = 0x81, 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
	}
	return append(hdr, payload...)
}

func deobfuscateWebSocket(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, errs.New(errs.Protocol, "websocket-looking frame shorter than header")
	}
	lenByte := data[1] &^ 0x80 // mask bit is never set (spec: "no masking bit")
	switch {
	case lenByte <= 125:
		n := int(lenByte)
		if len(data) < 2+n {
			return nil, errs.New(errs.Protocol, "websocket-looking frame shorter than declared length")
		}
		return data[2 : 2+n], nil
	case lenByte == 126:
		if len(data) < 4 {
			return nil, errs.New(errs.Protocol, "websocket-looking frame missing 16-bit length")
		}
		n := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+n {
			return nil, errs.New(errs.Protocol, "websocket-looking frame shorter than declared length")
		}
		return data[4 : 4+n], nil
	default: // 127
		if len(data) < 10 {
			return nil, errs.New(errs.Protocol, "websocket-looking frame missing 64-bit length")
		}
		n := binary.BigEndian.Uint64(data[2:10])
		if uint64(len(data)) < 10+n {
			return nil, errs.New(errs.Protocol, "websocket-looking frame shorter than declared length")
		}
		return data[10 : 10+n], nil
	}
}
