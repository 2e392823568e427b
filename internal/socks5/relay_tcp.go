package socks5

import (
	"io"
	"net"
)

// relayBufferSize is the size of the buffer handed to io.CopyBuffer. When
// one end implements io.WriterTo or io.ReaderFrom (as *net.TCPConn does),
// io.CopyBuffer uses that path and this buffer goes unused.
const relayBufferSize = 4096

// halfCloser is implemented by connections that support half-close (TCP).
// Signaling write-done on one direction without tearing down the other
// lets the peer observe EOF while still being able to finish its own
// writes back.
type halfCloser interface {
	CloseWrite() error
}

// relayTCP copies bytes bidirectionally between client and target and
// returns once both directions have reached EOF or failed. When one
// direction ends, it half-closes (CloseWrite) the side it was writing to.
// relayTCP does not close either connection; the caller owns both.
// Each direction runs on its own goroutine; Go's runtime netpoller
// parks a goroutine on a blocked read/write without occupying an OS thread,
// so no single slow direction can starve the other's readiness.
//
// Ordering guarantee: io.CopyBuffer only returns once every byte it read
// has been fully written (it loops internally on short writes), so all
// bytes read from one side before its EOF are guaranteed delivered to the
// other before that goroutine's copy returns.
func relayTCP(client, target net.Conn, onBytes func(n int64)) error {
	type result struct {
		n   int64
		err error
	}
	resCh := make(chan result, 2)

	go func() {
		buf := make([]byte, relayBufferSize)
		n, err := io.CopyBuffer(target, client, buf)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		resCh <- result{n, err}
	}()

	go func() {
		buf := make([]byte, relayBufferSize)
		n, err := io.CopyBuffer(client, target, buf)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		resCh <- result{n, err}
	}()

	r1 := <-resCh
	r2 := <-resCh
	if onBytes != nil {
		onBytes(r1.n + r2.n)
	}
	if r1.err != nil {
		return r1.err
	}
	return r2.err
}
