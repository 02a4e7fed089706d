package ymodem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Protocol selects the wire dialect.
type Protocol int

const (
	ProtocolXmodem Protocol = iota
	ProtocolYmodem
)

func (p Protocol) String() string {
	if p == ProtocolYmodem {
		return "ymodem"
	}
	return "xmodem"
}

// Subtype refines ProtocolYmodem: SubtypeBatch is the default multi-file
// batch form, SubtypeG is YMODEM-G streaming.
type Subtype int

const (
	SubtypeNone Subtype = iota
	SubtypeBatch
	SubtypeG
)

// SessionStats are atomic counters safe to read concurrently with an
// in-flight transfer, e.g. from a metrics collector.
type SessionStats struct {
	PacketsSent     atomic.Uint64
	PacketsReceived atomic.Uint64
	Retries         atomic.Uint64
	BytesSent       atomic.Uint64
	BytesReceived   atomic.Uint64
	CRCErrors       atomic.Uint64
	Aborts          atomic.Uint64
}

// SessionStatsSnapshot is a point-in-time copy of SessionStats.
type SessionStatsSnapshot struct {
	PacketsSent     uint64
	PacketsReceived uint64
	Retries         uint64
	BytesSent       uint64
	BytesReceived   uint64
	CRCErrors       uint64
	Aborts          uint64
}

// Snapshot reads every counter without blocking writers.
func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	return SessionStatsSnapshot{
		PacketsSent:     s.PacketsSent.Load(),
		PacketsReceived: s.PacketsReceived.Load(),
		Retries:         s.Retries.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesReceived:   s.BytesReceived.Load(),
		CRCErrors:       s.CRCErrors.Load(),
		Aborts:          s.Aborts.Load(),
	}
}

// Config configures a Session: a handful of exported knobs with a
// defaults() pass applied in NewSession.
type Config struct {
	Protocol Protocol
	Profile  ProgramProfile
	Subtype  Subtype

	// PacketSize requests 128 or 1024; downgraded per resolvePacketSize
	// when the active profile lacks ALLOW_1K.
	PacketSize int

	MaxRetries int
	Logger     *slog.Logger

	// Stats, if non-nil, is updated in place during the transfer instead
	// of an internally allocated one. Lets a caller share one
	// SessionStats across repeated sessions.
	Stats *SessionStats
}

func (c Config) defaults() Config {
	if c.PacketSize == 0 {
		c.PacketSize = longPacketSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Stats == nil {
		c.Stats = &SessionStats{}
	}
	return c
}

// Session binds one Channel to one Config for the lifetime of a single
// Send or Receive call. Only one of Send/Receive may run at a time on a
// given Session — acquire()/release() below enforce that.
type Session struct {
	ch     *Channel
	cfg    Config
	logger *slog.Logger
	stats  *SessionStats
	id     string

	features   FeatureFlags
	packetSize int
	crcMode    bool
	subtype    Subtype
	taskIndex  int

	mu     sync.Mutex
	active bool
}

// NewSession builds a Session over ch. ch is typically built with
// NewChannel wrapping a transport (net.Conn, serial.Port, net.Pipe half).
func NewSession(ch *Channel, cfg Config) *Session {
	cfg = cfg.defaults()
	flags := cfg.Profile.Features()
	return &Session{
		ch:         ch,
		cfg:        cfg,
		logger:     cfg.Logger.With("session", "ymodem", "profile", cfg.Profile.String()),
		stats:      cfg.Stats,
		id:         xid.New().String(),
		features:   flags,
		packetSize: resolvePacketSize(cfg.PacketSize, flags),
		subtype:    cfg.Subtype,
	}
}

// ID is a short correlation identifier for log lines and metrics labels,
// generated once per Session via github.com/rs/xid.
func (s *Session) ID() string { return s.id }

// Stats exposes the live counters for this session.
func (s *Session) Stats() *SessionStats { return s.stats }

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return fmt.Errorf("ymodem: session %s already has a transfer in progress", s.id)
	}
	s.active = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Send runs the sender role to completion: handshake, then NextFile in a
// loop until handler returns nil, then the batch-end packet for YMODEM.
func (s *Session) Send(ctx context.Context, handler FileHandler) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.logger.Info("send starting", "protocol", s.cfg.Protocol.String())
	err := runSender(ctx, s, handler)
	if err != nil {
		s.logger.Error("send failed", "error", err)
	} else {
		s.logger.Info("send complete")
	}
	return err
}

// Receive runs the receiver role to completion: poke sender, then decode
// files in a loop until the batch-end packet (YMODEM) or a single file
// completes (XMODEM).
func (s *Session) Receive(ctx context.Context, handler FileHandler) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.logger.Info("receive starting", "protocol", s.cfg.Protocol.String())
	err := runReceiver(ctx, s, handler)
	if err != nil {
		s.logger.Error("receive failed", "error", err)
	} else {
		s.logger.Info("receive complete")
	}
	return err
}

// Abort sends two CAN bytes, the graceful-cancel signal.
func (s *Session) Abort() {
	_ = s.ch.Write([]byte{CAN, CAN}, dataAckWait)
	s.stats.Aborts.Add(1)
}
