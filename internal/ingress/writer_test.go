package ingress_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/aivalabs/voicebridge/internal/ingress"
)

func TestWriter_PacesFullFrames(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := ingress.NewWriter(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	payload := bytes.Repeat([]byte{0xAB}, 2*ingress.FrameBytes)
	if err := w.WriteAudio(payload); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	for i := range 2 {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, frame := readFrame(t, client)
		if kind != ingress.KindAudio {
			t.Fatalf("frame %d kind = %#x, want audio", i, kind)
		}
		if len(frame) != ingress.FrameBytes {
			t.Fatalf("frame %d = %d bytes, want %d", i, len(frame), ingress.FrameBytes)
		}
		if frame[0] != 0xAB {
			t.Errorf("frame %d payload = %#x, want 0xab", i, frame[0])
		}
	}
}

func TestWriter_ReframesAcrossWrites(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := ingress.NewWriter(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// 100 + 60 bytes make exactly one frame; neither write alone does.
	if err := w.WriteAudio(bytes.Repeat([]byte{0x01}, 100)); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if err := w.WriteAudio(bytes.Repeat([]byte{0x02}, 60)); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, frame := readFrame(t, client)
	if kind != ingress.KindAudio {
		t.Fatalf("kind = %#x, want audio", kind)
	}
	if frame[99] != 0x01 || frame[100] != 0x02 {
		t.Errorf("frame boundary = %#x %#x, want 0x01 0x02", frame[99], frame[100])
	}
}

func TestWriter_DrainDiscardsQueue(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := ingress.NewWriter(server)

	// Queue stale audio, then barge in before the pacer starts.
	if err := w.WriteAudio(bytes.Repeat([]byte{0x0F}, 4*ingress.FrameBytes+10)); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	w.Drain()
	if err := w.WriteAudio(bytes.Repeat([]byte{0xC3}, ingress.FrameBytes)); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame := readFrame(t, client)
	// The partial 10 bytes were drained too; the fresh frame comes first.
	if frame[0] != 0xC3 {
		t.Errorf("first frame after drain = %#x, want 0xc3", frame[0])
	}
}

func TestWriter_Terminate(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	w := ingress.NewWriter(server)
	go w.Terminate()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload := readFrame(t, client)
	if kind != ingress.KindTerminate {
		t.Errorf("kind = %#x, want terminate", kind)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %d bytes, want 0", len(payload))
	}
}
