/*
Package ircdebug contains helper functions useful while developing against
the ircrelay wire protocol: cmd/ircc's --debug-wire flag tees every line it
reads from and writes to an ircrelay server to stderr, prefixed by
direction, so CAP/CTCP/DCC-offer negotiation can be watched line-by-line
without a packet capture.
*/
package ircdebug

import (
	"io"
	"sync"
)

// WriteTo returns a new io.ReadWriteCloser that copies all reads/writes for rwc to w.
// Reads and Writes are prefixed with inPrefix and outPrefix respectively.
// This is mainly useful while developing an IRC client like a bot,
// e.g. for writing to os.Stdout or a file.
//
// A single mutex is shared between the read and write sides so that a line
// read from rwc on one goroutine and a line written to rwc on another can't
// interleave their prefixed copies in w.
func WriteTo(w io.Writer, rwc io.ReadWriteCloser, outPrefix string, inPrefix string) io.ReadWriteCloser {
	var mu sync.Mutex
	return &debugConn{
		ReadWriteCloser: rwc,
		r:               io.TeeReader(rwc, &writePrefixer{w: w, prefix: inPrefix, mu: &mu}),
		w:               io.MultiWriter(rwc, &writePrefixer{w: w, prefix: outPrefix, mu: &mu}),
	}
}

type debugConn struct {
	io.ReadWriteCloser
	r io.Reader
	w io.Writer
}

func (dc *debugConn) Read(p []byte) (int, error) {
	return dc.r.Read(p)
}
func (dc *debugConn) Write(p []byte) (int, error) {
	return dc.w.Write(p)
}

type writePrefixer struct {
	w      io.Writer
	prefix string
	mu     *sync.Mutex
}

func (wp *writePrefixer) Write(p []byte) (n int, err error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	n, err = wp.w.Write(append([]byte(wp.prefix), p...))

	// this writePrefixer is used behind a MultiWriter (and a TeeReader), so we need to lie about how many bytes
	// were written so that the MultiWriter doesn't have an error for different byte counts on each of its writers.
	return n - len(wp.prefix), err
}
