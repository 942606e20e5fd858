package simple

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rocketbitz/pmi-go/pmi"
)

// StreamConn adapts a byte stream to the Conn interface. Writes are
// serialized so deferred completions and barrier broadcasts never interleave.
type StreamConn struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStreamConn wraps w.
func NewStreamConn(w io.Writer) *StreamConn {
	return &StreamConn{w: w}
}

// Respond writes line in full.
func (c *StreamConn) Respond(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := io.WriteString(c.w, line)
	if err != nil {
		return fmt.Errorf("write: %w: %v", pmi.ErrIO, err)
	}
	if n != len(line) {
		return fmt.Errorf("short write: %w", pmi.ErrIO)
	}
	return nil
}

// Serve reads request lines for rank from rwc and dispatches them until the
// task finalizes, the stream ends or ctx is cancelled. rwc is closed on return.
// Finalize and EOF return nil.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser, rank int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn := NewStreamConn(rwc)
	defer s.Disconnect(rank)

	stop := make(chan struct{})
	defer close(stop)
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = rwc.Close() }) }
	defer closeConn()
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-stop:
		}
	}()

	s.tel.logEvent("serve_start", logKV("rank", rank))
	reader := bufio.NewReaderSize(rwc, s.maxes.LineMax()+1)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) && line == "" {
				s.tel.logEvent("serve_eof", logKV("rank", rank))
				return nil
			}
			return fmt.Errorf("rank %d: read: %w: %v", rank, pmi.ErrIO, err)
		}
		status, err := s.Request(conn, rank, line)
		if err != nil {
			return err
		}
		if status == StatusFinalized {
			s.tel.logEvent("serve_finalized", logKV("rank", rank))
			return nil
		}
	}
}
