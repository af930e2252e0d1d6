package conn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
)

const (
	// frameHeaderSize is the size of the big-endian length prefix.
	frameHeaderSize = 4

	// MaxFrameSize is the largest frame body accepted or sent.
	MaxFrameSize = 10 << 20 // 10MB

	defaultBufferSize = 64 << 10
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
)

// ProtocolError reports a peer that violated the wire protocol: a malformed
// frame, an undecodable envelope or an unknown message kind. The connection it
// arrived on must be dropped; the listener is unaffected.
type ProtocolError struct {
	Err error
}

func (e ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var perr ProtocolError
	return errors.As(err, &perr)
}

// FramedConn reads and writes length-prefixed frames over a stream. Reads must
// be done by a single goroutine; writes are serialized internally.
type FramedConn struct {
	conn net.Conn

	r *bufio.Reader

	wmtx sync.Mutex
	w    *bufio.Writer
}

// NewFramedConn wraps conn.
func NewFramedConn(conn net.Conn) *FramedConn {
	return &FramedConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, defaultBufferSize),
		w:    bufio.NewWriterSize(conn, defaultBufferSize),
	}
}

// ReadFrame returns the next frame body. The slice is borrowed from a shared
// buffer pool and must be handed back with ReleaseFrame once decoded.
//
// A clean close between frames yields io.EOF; a close inside a frame yields
// io.ErrUnexpectedEOF. Length violations are reported as ProtocolError.
func (fc *FramedConn) ReadFrame() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fc.r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	switch {
	case size == 0:
		return nil, ProtocolError{Err: ErrEmptyFrame}
	case size > MaxFrameSize:
		return nil, ProtocolError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)}
	}

	buf := pool.Get(int(size))
	if _, err := io.ReadFull(fc.r, buf); err != nil {
		pool.Put(buf)
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReleaseFrame returns a frame obtained from ReadFrame to the buffer pool.
func ReleaseFrame(frame []byte) {
	pool.Put(frame)
}

// WriteFrame writes bz as a single frame and flushes it.
func (fc *FramedConn) WriteFrame(bz []byte) error {
	switch {
	case len(bz) == 0:
		return ErrEmptyFrame
	case len(bz) > MaxFrameSize:
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(bz))
	}

	buf := pool.Get(frameHeaderSize + len(bz))
	defer pool.Put(buf)

	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(bz)))
	copy(buf[frameHeaderSize:], bz)

	fc.wmtx.Lock()
	defer fc.wmtx.Unlock()

	if _, err := fc.w.Write(buf); err != nil {
		return err
	}
	return fc.w.Flush()
}

// Conn returns the underlying stream.
func (fc *FramedConn) Conn() net.Conn { return fc.conn }

// Close closes the underlying stream.
func (fc *FramedConn) Close() error { return fc.conn.Close() }
