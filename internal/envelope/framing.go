package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxEnvelopeBytes bounds a single envelope body to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxEnvelopeBytes = 1 << 24

// WriteEnvelope frames e as a varint-encoded length followed by its gob
// body, and writes both in one call so a partial send is never observed
// as a complete envelope by the peer.
func WriteEnvelope(w io.Writer, e Envelope) error {
	body, err := Marshal(e)
	if err != nil {
		return err
	}
	return writeFramed(w, body, false)
}

// ReadEnvelope reads one varint-length-prefixed envelope from r,
// tolerating the reader returning short reads (bufio.Reader absorbs
// that for us). Bytes consumed before an error are not pushed back, so
// after an error partway through a frame r is no longer positioned at
// a frame boundary.
func ReadEnvelope(r *bufio.Reader) (Envelope, error) {
	body, err := readFramed(r, false)
	if err != nil {
		return Envelope{}, err
	}
	return Unmarshal(body)
}

// WriteDescriptor frames e the same way as WriteEnvelope but pads the
// length prefix out to a fixed 8 bytes on the wire, for backward
// compatibility with fixed-width descriptor headers. Only the leading
// varint within those 8 bytes is meaningful.
func WriteDescriptor(w io.Writer, e Envelope) error {
	body, err := Marshal(e)
	if err != nil {
		return err
	}
	return writeFramed(w, body, true)
}

// ReadDescriptor reads exactly 8 bytes for the length prefix (the only
// synchronous, fixed-size read in the system), then parses the leading
// varint out of that buffer to get the body length. It reads from r
// directly, without a read-ahead buffer, so any bytes the peer sent
// after the descriptor stay in r for the next reader.
func ReadDescriptor(r io.Reader) (Envelope, error) {
	body, err := readFramed(r, true)
	if err != nil {
		return Envelope{}, err
	}
	return Unmarshal(body)
}

func writeFramed(w io.Writer, body []byte, padDescriptor bool) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))

	prefix := lenBuf[:n]
	if padDescriptor {
		if n > 8 {
			return fmt.Errorf("envelope: descriptor length prefix does not fit in 8 bytes")
		}
		padded := make([]byte, 8)
		copy(padded, lenBuf[:n])
		prefix = padded
	}

	buf := make([]byte, 0, len(prefix)+len(body))
	buf = append(buf, prefix...)
	buf = append(buf, body...)

	for len(buf) > 0 {
		written, err := w.Write(buf)
		if err != nil {
			return fmt.Errorf("envelope: write: %w", err)
		}
		buf = buf[written:]
	}
	return nil
}

func readFramed(r io.Reader, descriptorPadded bool) ([]byte, error) {
	var length uint64
	var err error

	if descriptorPadded {
		var header [8]byte
		if _, err = io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("envelope: read descriptor header: %w", err)
		}
		length, _, err = readUvarint(header[:])
		if err != nil {
			return nil, fmt.Errorf("envelope: decode descriptor length: %w", err)
		}
	} else {
		length, err = binary.ReadUvarint(r.(io.ByteReader))
		if err != nil {
			return nil, fmt.Errorf("envelope: read length: %w", err)
		}
	}

	if length > maxEnvelopeBytes {
		return nil, fmt.Errorf("envelope: length %d exceeds maximum %d", length, maxEnvelopeBytes)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("envelope: read body: %w", err)
	}
	return body, nil
}

// readUvarint decodes a varint from an in-memory buffer rather than an
// io.ByteReader, since the descriptor header has already been read in
// full as a fixed 8-byte block.
func readUvarint(b []byte) (uint64, int, error) {
	x, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("invalid varint in descriptor header")
	}
	return x, n, nil
}
