// Package ingress terminates the telephony side of the bridge: an
// AudioSocket-style TCP server whose connections carry framed G.711 µ-law
// audio plus identity and terminate control frames. Each connection maps to
// exactly one call session.
package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aivalabs/voicebridge/internal/bridge"
	"github.com/aivalabs/voicebridge/pkg/audio"
)

// identityTimeout bounds how long a connection may sit without sending its
// identity frame.
const identityTimeout = 10 * time.Second

// Session is the ingress-facing surface of a call supervisor.
// *bridge.Supervisor satisfies it.
type Session interface {
	HandleAudio(pcm []byte)
	End(status string)
	Done() <-chan struct{}
}

// Starter creates and launches the session for one identified call. The
// implementation resolves the directory route and spins up the supervisor;
// out is the connection's paced audio writer. A Starter error refuses the
// call: the connection is terminated without a session.
type Starter func(ctx context.Context, caller string, port int, out *Writer) (Session, error)

// Server accepts telephony connections on one TCP address. The listen port
// doubles as the directory routing port.
type Server struct {
	addr  string
	start Starter

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New builds a server; Run binds and serves.
func New(addr string, start Starter) *Server {
	return &Server{addr: addr, start: start}
}

// Addr returns the bound listen address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run listens and serves until ctx is cancelled. Per-connection handlers
// are drained before it returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingress: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	slog.Info("ingress: listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.wg.Wait()
			return fmt.Errorf("ingress: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle serves one telephony connection: identity frame first, then audio
// until a terminate frame, socket close, or session end.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	port := localPort(conn)
	r := bufio.NewReaderSize(conn, 4*FrameBytes)

	var (
		sess Session
		out  *Writer
	)
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The caller must identify itself promptly.
	_ = conn.SetReadDeadline(time.Now().Add(identityTimeout))

	for {
		kind, payload, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("ingress: connection read ended", "err", err)
			}
			break
		}

		switch kind {
		case KindIdentity:
			if sess != nil {
				slog.Warn("ingress: duplicate identity frame ignored", "port", port)
				continue
			}
			caller := string(payload)
			out = NewWriter(conn)
			go out.Run(wctx)

			sess, err = s.start(ctx, caller, port, out)
			if err != nil {
				slog.Warn("ingress: call refused",
					"caller_id", caller, "port", port, "err", err)
				out.Terminate()
				return
			}
			_ = conn.SetReadDeadline(time.Time{})

			// Unblock the read loop when the session ends first (reaper,
			// transfer, upstream loss): hang up and close the socket.
			go func(sess Session, out *Writer) {
				select {
				case <-sess.Done():
					out.Terminate()
					_ = conn.Close()
				case <-wctx.Done():
				}
			}(sess, out)

		case KindAudio:
			if sess == nil {
				continue
			}
			sess.HandleAudio(audio.DecodeMulaw(payload))

		case KindTerminate:
			if sess != nil {
				sess.End(bridge.StatusCompleted)
			}
			return

		default:
			slog.Debug("ingress: unknown frame kind", "kind", kind)
		}
	}

	// Socket closed from the far side: a hangup.
	if sess != nil {
		sess.End(bridge.StatusCompleted)
	}
}

// localPort extracts the routing port from the connection's listen side.
func localPort(conn net.Conn) int {
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
