// Command ymodem sends or receives files over a serial port or TCP
// connection using the XMODEM/YMODEM/YMODEM-G core in this module:
// flag-parsed configuration, a single top-level log.Printf trail, and a
// signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xmodemio/ymodem"
	"github.com/xmodemio/ymodem/metrics"
	"github.com/xmodemio/ymodem/progress/redispub"
	"github.com/xmodemio/ymodem/transport/netpipe"
	"github.com/xmodemio/ymodem/transport/serial"
)

var (
	mode        = flag.String("mode", "", "transport mode: serial or tcp")
	device      = flag.String("device", "/dev/ttyUSB0", "serial device path (mode=serial)")
	baud        = flag.Int("baud", 115200, "serial baud rate (mode=serial)")
	addr        = flag.String("addr", "localhost:9600", "TCP address: dial for send, listen for recv (mode=tcp)")
	protocol    = flag.String("protocol", "ymodem", "protocol: xmodem or ymodem")
	streamingG  = flag.Bool("g", false, "use YMODEM-G streaming mode")
	profile     = flag.String("profile", "rzsz", "feature profile: rzsz, rbsb, pyam, cyam, kimp")
	packetSize  = flag.Int("packet-size", 1024, "data packet size: 128 or 1024")
	maxRetries  = flag.Int("max-retries", 10, "retries before giving up on a packet")
	outDir      = flag.String("out", ".", "directory to write received files into (recv)")
	metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	redisAddr   = flag.String("redis-addr", "", "if set, publish progress to this Redis server")
	redisChan   = flag.String("redis-channel", "ymodem:progress", "Redis pub/sub channel for progress events")
)

func profileFromFlag(s string) ymodem.ProgramProfile {
	switch s {
	case "rbsb":
		return ymodem.ProfileRBSB
	case "pyam":
		return ymodem.ProfileProYAM
	case "cyam":
		return ymodem.ProfileCPMYAM
	case "kimp":
		return ymodem.ProfileKMDIMP
	default:
		return ymodem.ProfileRZSZ
	}
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	args := flag.Args()
	if len(args) < 1 {
		log.Fatalf("usage: ymodem [flags] send <paths...> | recv")
	}
	cmd := args[0]
	paths := args[1:]

	logger := slog.Default()

	cfg := ymodem.Config{
		Profile:    profileFromFlag(*profile),
		PacketSize: *packetSize,
		MaxRetries: *maxRetries,
		Logger:     logger,
	}
	if *protocol == "xmodem" {
		cfg.Protocol = ymodem.ProtocolXmodem
	} else {
		cfg.Protocol = ymodem.ProtocolYmodem
		cfg.Subtype = ymodem.SubtypeBatch
		if *streamingG {
			cfg.Subtype = ymodem.SubtypeG
		}
	}

	conn, err := openTransport(cmd)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}
	defer conn.Close()

	session := ymodem.NewSession(ymodem.NewChannel(conn, logger), cfg)

	if *metricsAddr != "" {
		collector := metrics.NewSessionCollector(nil)
		collector.Add(session.ID(), session.Stats(), nil)
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("serving metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	var handler ymodem.FileHandler
	switch cmd {
	case "send":
		handler = newSendHandler(paths)
	case "recv":
		handler = newRecvHandler(*outDir)
	default:
		log.Fatalf("unknown command %q, want send or recv", cmd)
	}

	if *redisAddr != "" {
		ctx := context.Background()
		pub, err := redispub.New(ctx, *redisAddr, "", 0, *redisChan, session.ID(), handler)
		if err != nil {
			log.Fatalf("redis progress publisher: %v", err)
		}
		defer pub.Close()
		handler = pub
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "send":
		err = session.Send(ctx, handler)
	case "recv":
		err = session.Receive(ctx, handler)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
	log.Printf("%s complete", cmd)
}

func openTransport(cmd string) (transportConn, error) {
	switch *mode {
	case "serial":
		return serial.Open(*device, *baud)
	case "tcp":
		if cmd == "send" {
			return netpipe.Dial(*addr)
		}
		l, err := netpipe.Listen(*addr)
		if err != nil {
			return nil, err
		}
		return l.AcceptOne()
	default:
		return nil, fmt.Errorf("unknown -mode %q, want serial or tcp", *mode)
	}
}

// transportConn is the minimal surface main needs from either transport.
type transportConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// sendHandler offers a fixed list of local files in order.
type sendHandler struct {
	paths []string
	idx   int
}

func newSendHandler(paths []string) *sendHandler {
	return &sendHandler{paths: paths}
}

func (h *sendHandler) NextFile() *ymodem.SendTask {
	if h.idx >= len(h.paths) {
		return nil
	}
	path := h.paths[h.idx]
	h.idx++
	f, err := os.Open(path)
	if err != nil {
		log.Printf("skipping %s: %v", path, err)
		return h.NextFile()
	}
	info, err := f.Stat()
	if err != nil {
		log.Printf("skipping %s: %v", path, err)
		_ = f.Close()
		return h.NextFile()
	}
	var mode uint32
	if info.Mode().IsRegular() {
		mode = 0x8000
	}
	return &ymodem.SendTask{
		Name:   filepath.Base(path),
		Size:   info.Size(),
		Mtime:  uint64(info.ModTime().Unix()),
		Mode:   mode,
		Reader: f,
	}
}

func (h *sendHandler) AcceptFile(ymodem.ReceivedFileInfo) (io.WriteCloser, error) {
	return nil, fmt.Errorf("ymodem: sendHandler does not receive files")
}

func (h *sendHandler) Progress(_ int, name string, total, done uint64) {
	log.Printf("sending %s: %d/%d bytes", name, done, total)
}

func (h *sendHandler) Completed(_ int, name string, total, done uint64, err error) {
	if err != nil {
		log.Printf("send %s failed: %v", name, err)
		return
	}
	log.Printf("sent %s (%d bytes)", name, done)
}

// recvHandler writes incoming files into a fixed directory.
type recvHandler struct {
	dir string
}

func newRecvHandler(dir string) *recvHandler {
	return &recvHandler{dir: dir}
}

func (h *recvHandler) NextFile() *ymodem.SendTask { return nil }

func (h *recvHandler) AcceptFile(info ymodem.ReceivedFileInfo) (io.WriteCloser, error) {
	name := ymodem.SanitizeFilename(info.Name)
	f, err := os.Create(filepath.Join(h.dir, name))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	return f, nil
}

func (h *recvHandler) Progress(_ int, name string, total, done uint64) {
	log.Printf("receiving %s: %d/%d bytes", name, done, total)
}

func (h *recvHandler) Completed(_ int, name string, total, done uint64, err error) {
	if err != nil {
		log.Printf("receive %s failed: %v", name, err)
		return
	}
	log.Printf("received %s (%d bytes)", name, done)
}
