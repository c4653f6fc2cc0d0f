package wire

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Every message on the wire is a single frame:
//
//	<ascii-decimal-length> <SP> <payload-bytes>
//
// The payload is opaque to this layer; commands above treat it as UTF-8 text,
// piece transfers carry raw bytes. A zero-length payload is the two bytes
// "0 ".

// MaxPrefixDigits bounds the length prefix; anything longer is malformed.
const MaxPrefixDigits = 20

// WriteFrame writes one framed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	header := []byte(fmt.Sprintf("%d ", len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one framed payload. A connection closed before the first
// byte returns io.EOF so callers can tell an orderly close from a truncated
// frame; any close mid-frame surfaces as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	length, err := readLengthPrefix(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// readLengthPrefix consumes decimal digits up to the separating space. The
// prefix is read byte-wise; it is at most MaxPrefixDigits+1 bytes, so the
// extra syscalls are noise next to the payload read.
func readLengthPrefix(r io.Reader) (int64, error) {
	var (
		length   int64
		nDigits  int
		oneByte  [1]byte
		anyBytes bool
	)
	for {
		if _, err := io.ReadFull(r, oneByte[:]); err != nil {
			if err == io.EOF && !anyBytes {
				return 0, io.EOF
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("read frame header: %w", err)
		}
		anyBytes = true

		b := oneByte[0]
		if b == ' ' {
			if nDigits == 0 {
				return 0, fmt.Errorf("malformed frame header: empty length prefix")
			}
			return length, nil
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("malformed frame header: unexpected byte %q", b)
		}
		nDigits++
		if nDigits > MaxPrefixDigits {
			return 0, fmt.Errorf("malformed frame header: length prefix exceeds %d digits", MaxPrefixDigits)
		}
		length = length*10 + int64(b-'0')
	}
}

// Request performs one request/response exchange over conn. Frames on a
// single connection are strictly ordered, so this is safe as long as only
// one goroutine drives the connection.
func Request(conn net.Conn, payload []byte) ([]byte, error) {
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	return ReadFrame(conn)
}

// SetRecvDeadline arms an OS-level receive timeout on the connection.
// Zero clears it. Disabled by default; a dead peer is otherwise detected by
// the zero-byte read on the next recv.
func SetRecvDeadline(conn net.Conn, d time.Duration) error {
	if d == 0 {
		return conn.SetReadDeadline(time.Time{})
	}
	return conn.SetReadDeadline(time.Now().Add(d))
}
