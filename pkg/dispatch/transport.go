package dispatch

import (
	"bufio"
	"compress/zlib"
	"io"
	"net"
	"strconv"
	"sync"

	kzlib "github.com/klauspost/compress/zlib"
)

// transport owns one request socket (TCP) and, optionally, a parallel UDP
// socket used only for oneway sends (spec §4.2, §6.4's useUdpForOneway).
// sendFrame serializes writers with its own mutex and the Callback Receiver
// is the sole reader, mirroring the teacher's single brokerCxn per
// connection kind.
type transport struct {
	c cfg

	wmu  sync.Mutex // serializes frame writes on the TCP socket
	mu   sync.Mutex // guards conn/udpConn/dead during connect/shutdown races
	conn net.Conn
	r    *bufio.Reader
	w    io.Writer

	udpConn net.Conn
	udpR    *bufio.Reader

	dead bool
}

func newTransport(c cfg) *transport {
	return &transport{c: c}
}

// connect dials the request socket (and, if configured, a UDP socket for
// oneway traffic), wrapping the TCP socket in the configured stream
// compressor; the UDP socket is never compressed.
func (t *transport) connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr := net.JoinHostPort(t.c.hostname, strconv.Itoa(t.c.port))
	var d net.Dialer
	d.Timeout = t.c.dialTimeout
	if t.c.localHostname != "" || t.c.localPort != 0 {
		local := net.JoinHostPort(t.c.localHostname, strconv.Itoa(t.c.localPort))
		if laddr, err := net.ResolveTCPAddr("tcp", local); err == nil {
			d.LocalAddr = laddr
		}
	}

	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return wrapErr(KindNoConnection, "dial "+addr, err)
	}

	t.conn = conn
	t.dead = false

	var reader io.Reader = conn
	var writer io.Writer = conn
	if t.c.compression == CompressionZlibStream {
		reader = newZlibReader(conn)
		writer = newZlibWriter(conn)
	}
	t.r = bufio.NewReaderSize(reader, 64*1024)
	t.w = writer

	if t.c.useUDPOneway {
		uc, err := net.Dial("udp", addr)
		if err == nil {
			t.udpConn = uc
			t.udpR = bufio.NewReader(uc)
		}
		// A failed UDP dial is not fatal: oneway traffic silently falls
		// back to the TCP socket (sendFrameUDP below does exactly that).
	}

	return nil
}

// zlibWriteCloser wraps klauspost/compress/zlib so every Write call
// flushes, preserving frame boundaries across the compressed stream as
// spec §4.2 requires ("frame boundaries are still preserved bytewise post-
// decompression").
type zlibWriteCloser struct {
	zw *kzlib.Writer
}

func newZlibWriter(w io.Writer) io.Writer {
	return &zlibWriteCloser{zw: kzlib.NewWriter(w)}
}

func (z *zlibWriteCloser) Write(p []byte) (int, error) {
	n, err := z.zw.Write(p)
	if err != nil {
		return n, err
	}
	return n, z.zw.Flush()
}

func newZlibReader(r io.Reader) io.Reader {
	// zlib.NewReader from the standard library is format-compatible with
	// klauspost/compress/zlib's writer and avoids needing a matching
	// flush-aware reader wrapper, since reads naturally block for more
	// compressed input as needed.
	return &firstByteDeferredReader{r: r}
}

// firstByteDeferredReader defers opening the zlib reader until first use;
// zlib.NewReader wants to read the 2-byte header immediately, which is
// fine here since the compressor writes its header before the first frame.
type firstByteDeferredReader struct {
	r  io.Reader
	zr io.Reader
}

func (f *firstByteDeferredReader) Read(p []byte) (int, error) {
	if f.zr == nil {
		zr, err := zlib.NewReader(f.r)
		if err != nil {
			f.zr = &errReader{err: err}
		} else {
			f.zr = zr
		}
	}
	return f.zr.Read(p)
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }

// sendFrame writes a fully encoded frame to the TCP socket.
func (t *transport) sendFrame(b []byte) error {
	t.mu.Lock()
	w, dead := t.w, t.dead
	t.mu.Unlock()
	if dead || w == nil {
		return ErrConnDead
	}
	t.wmu.Lock()
	_, err := w.Write(b)
	t.wmu.Unlock()
	if err != nil {
		t.markDead()
		return wrapErr(KindNoConnection, "write", err)
	}
	return nil
}

// sendFrameUDP writes to the UDP socket if one is configured and alive,
// otherwise it falls back to the TCP socket (oneway delivery degrades
// gracefully rather than failing outright).
func (t *transport) sendFrameUDP(b []byte) error {
	t.mu.Lock()
	uc := t.udpConn
	t.mu.Unlock()
	if uc == nil {
		return t.sendFrame(b)
	}
	if _, err := uc.Write(b); err != nil {
		return t.sendFrame(b)
	}
	return nil
}

// recvFrame blocks until one frame has been read off the TCP socket, or
// returns io.EOF once the connection has dropped.
func (t *transport) recvFrame() (*Frame, error) {
	t.mu.Lock()
	r, dead := t.r, t.dead
	t.mu.Unlock()
	if dead || r == nil {
		return nil, io.EOF
	}
	f, err := DecodeFrame(r)
	if err != nil {
		if err == io.EOF {
			t.markDead()
		}
		return nil, err
	}
	return f, nil
}

// recvFrameUDP reads one frame off the UDP socket; only meaningful when a
// UDP socket is configured, used by the parallel UDP receive loop in C4.
func (t *transport) recvFrameUDP() (*Frame, error) {
	t.mu.Lock()
	r := t.udpR
	t.mu.Unlock()
	if r == nil {
		return nil, io.EOF
	}
	return DecodeFrame(r)
}

func (t *transport) markDead() {
	t.mu.Lock()
	t.dead = true
	t.mu.Unlock()
}

// shutdown closes both sockets; safe to call more than once.
func (t *transport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dead = true
	if t.conn != nil {
		t.conn.Close()
	}
	if t.udpConn != nil {
		t.udpConn.Close()
	}
}
