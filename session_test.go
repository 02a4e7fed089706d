package ymodem

import (
	"context"
	"testing"
	"time"
)

func TestNewSessionAppliesDefaults(t *testing.T) {
	r, w := bufferedPipe(1)
	s := NewSession(NewChannel(&pipeReadWriter{Reader: r, Writer: w}, nil), Config{})

	if s.cfg.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", s.cfg.MaxRetries, defaultMaxRetries)
	}
	if s.packetSize != longPacketSize {
		t.Errorf("packetSize = %d, want %d (default profile rzsz allows 1k)", s.packetSize, longPacketSize)
	}
	if s.ID() == "" {
		t.Error("expected a non-empty session ID")
	}
}

func TestNewSessionDowngradesPacketSizeWithoutAllow1K(t *testing.T) {
	r, w := bufferedPipe(1)
	cfg := Config{Profile: ProgramProfile(99), PacketSize: longPacketSize}
	s := NewSession(NewChannel(&pipeReadWriter{Reader: r, Writer: w}, nil), cfg)
	if s.packetSize != shortPacketSize {
		t.Errorf("packetSize = %d, want %d", s.packetSize, shortPacketSize)
	}
}

func TestSessionRejectsConcurrentTransfers(t *testing.T) {
	senderT, receiverT, _, receiverClose := newTestTransports()
	defer receiverClose()

	s := NewSession(NewChannel(senderT, nil), Config{})
	if err := s.acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer s.release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, newTestHandler())
	if err == nil {
		t.Fatal("expected Send to reject a concurrent transfer")
	}
	_ = receiverT
}

func TestSessionStatsSnapshotIsIndependent(t *testing.T) {
	stats := &SessionStats{}
	stats.PacketsSent.Add(5)
	snap := stats.Snapshot()
	stats.PacketsSent.Add(1)

	if snap.PacketsSent != 5 {
		t.Errorf("snapshot PacketsSent = %d, want 5", snap.PacketsSent)
	}
	if stats.PacketsSent.Load() != 6 {
		t.Errorf("live PacketsSent = %d, want 6", stats.PacketsSent.Load())
	}
}
