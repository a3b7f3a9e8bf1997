package ingress

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// outQueueFrames bounds buffered outbound audio (512 frames ≈ 10 s).
	// Model audio arrives faster than realtime; the queue absorbs the burst
	// while the pacer plays it out.
	outQueueFrames = 512

	// frameInterval is the realtime pace of one audio frame.
	frameInterval = 20 * time.Millisecond
)

// Writer paces outbound µ-law audio onto one telephony connection in 20 ms
// frames. It satisfies the supervisor's output contract: WriteAudio queues,
// Drain discards everything queued (barge-in).
type Writer struct {
	conn net.Conn

	mu      sync.Mutex
	pending []byte // partial frame carried to the next WriteAudio

	frames chan []byte

	wmu sync.Mutex // serialises frame writes on conn
}

// NewWriter wraps conn. Start the pacer with [Writer.Run] before queuing
// audio.
func NewWriter(conn net.Conn) *Writer {
	return &Writer{
		conn:   conn,
		frames: make(chan []byte, outQueueFrames),
	}
}

// WriteAudio queues µ-law bytes for the caller. Input is re-framed to
// FrameBytes boundaries; a trailing partial frame is held back until more
// audio arrives. When the queue is full the frame is dropped, which for
// live audio beats unbounded latency.
func (w *Writer) WriteAudio(mulaw []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, mulaw...)
	for len(w.pending) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, w.pending[:FrameBytes])
		w.pending = w.pending[FrameBytes:]

		select {
		case w.frames <- frame:
		default:
			slog.Warn("ingress: outbound queue full, dropping audio frame")
		}
	}
	return nil
}

// Drain discards all queued outbound audio, including the partial frame.
func (w *Writer) Drain() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Run plays queued frames at realtime pace until ctx is cancelled or the
// connection fails.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				if err := w.writeFrame(KindAudio, frame); err != nil {
					slog.Debug("ingress: outbound write failed", "err", err)
					return
				}
			default:
				// Nothing queued this tick.
			}
		}
	}
}

// Terminate sends the hangup frame. Safe alongside a running pacer.
func (w *Writer) Terminate() {
	if err := w.writeFrame(KindTerminate, nil); err != nil {
		slog.Debug("ingress: terminate write failed", "err", err)
	}
}

func (w *Writer) writeFrame(kind byte, payload []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_, err := w.conn.Write(appendFrame(kind, payload))
	return err
}
