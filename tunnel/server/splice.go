package server

import (
	"io"
	"net"
	"sync"
)

const spliceBufBytes = 32 * 1024

type closeWriter interface {
	CloseWrite() error
}

// splice copies bytes in both directions until each side reports EOF or
// error, then releases both descriptors. EOF on one direction half-closes
// the destination so the peer sees a clean shutdown while the opposite
// direction keeps draining; an error tears the whole pair down.
func splice(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		copyHalf(a, b)
	}()
	wg.Wait()
	a.Close()
	b.Close()
}

func copyHalf(dst, src net.Conn) {
	buf := make([]byte, spliceBufBytes)
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
