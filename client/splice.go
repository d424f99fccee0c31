package client

import (
	"io"
	"net"
	"sync"
)

const joinBufBytes = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// joinStreams copies bytes in both directions until each side reports EOF
// or error, then releases both descriptors. EOF half-closes the destination
// so the peer sees a clean shutdown while the other direction drains.
func joinStreams(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		joinHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		joinHalf(a, b)
	}()
	wg.Wait()
	a.Close()
	b.Close()
}

func joinHalf(dst, src net.Conn) {
	buf := make([]byte, joinBufBytes)
	_, err := io.CopyBuffer(dst, src, buf)
	if err == nil {
		if cw, ok := dst.(closeWriter); ok {
			cw.CloseWrite()
			return
		}
	}
	dst.Close()
	src.Close()
}
