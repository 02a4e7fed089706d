package ymodem

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// chanReader/chanWriter/bufferedPipe implement a channel-backed
// unidirectional pipe whose writes don't block on the reader the way
// io.Pipe's do, so sender and receiver can race ahead of each other the
// way a real duplex link allows.
type chanReader struct {
	ch  chan []byte
	buf []byte
}

func (cr *chanReader) Read(p []byte) (int, error) {
	if len(cr.buf) > 0 {
		n := copy(p, cr.buf)
		cr.buf = cr.buf[n:]
		return n, nil
	}
	data, ok := <-cr.ch
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, data)
	if n < len(data) {
		cr.buf = data[n:]
	}
	return n, nil
}

type chanWriter struct {
	ch chan []byte
}

func (cw *chanWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	cw.ch <- buf
	return len(p), nil
}

func (cw *chanWriter) Close() error {
	close(cw.ch)
	return nil
}

func bufferedPipe(bufSize int) (*chanReader, *chanWriter) {
	ch := make(chan []byte, bufSize)
	return &chanReader{ch: ch}, &chanWriter{ch: ch}
}

type pipeReadWriter struct {
	io.Reader
	io.Writer
}

func newTestTransports() (senderT, receiverT io.ReadWriter, senderClose, receiverClose func()) {
	r1, w1 := bufferedPipe(256) // sender -> receiver
	r2, w2 := bufferedPipe(256) // receiver -> sender

	senderT = &pipeReadWriter{Reader: r2, Writer: w1}
	receiverT = &pipeReadWriter{Reader: r1, Writer: w2}
	senderClose = func() { w1.Close() }
	receiverClose = func() { w2.Close() }
	return
}

// testFileHandler implements FileHandler for both roles in a loopback test.
type testFileHandler struct {
	mu             sync.Mutex
	filesToSend    []*SendTask
	sendIdx        int
	receivedFiles  map[string]*bytes.Buffer
	completedFiles map[string]error
	progress       map[string]uint64
	skipFiles      map[string]bool
}

func newTestHandler() *testFileHandler {
	return &testFileHandler{
		receivedFiles:  make(map[string]*bytes.Buffer),
		completedFiles: make(map[string]error),
		progress:       make(map[string]uint64),
		skipFiles:      make(map[string]bool),
	}
}

func (h *testFileHandler) NextFile() *SendTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendIdx >= len(h.filesToSend) {
		return nil
	}
	f := h.filesToSend[h.sendIdx]
	h.sendIdx++
	return f
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func (h *testFileHandler) AcceptFile(info ReceivedFileInfo) (io.WriteCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.skipFiles[info.Name] {
		return nil, ErrSkip
	}
	buf := &bytes.Buffer{}
	h.receivedFiles[info.Name] = buf
	return nopWriteCloser{buf}, nil
}

func (h *testFileHandler) Progress(_ int, name string, _, done uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress[name] = done
}

func (h *testFileHandler) Completed(_ int, name string, _, _ uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completedFiles[name] = err
}

func runLoopback(t *testing.T, senderCfg, receiverCfg Config, senderHandler, receiverHandler *testFileHandler, timeout time.Duration) (sendErr, recvErr error) {
	t.Helper()
	senderT, receiverT, senderClose, receiverClose := newTestTransports()

	sender := NewSession(NewChannel(senderT, nil), senderCfg)
	receiver := NewSession(NewChannel(receiverT, nil), receiverCfg)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer senderClose()
		sendErr = sender.Send(ctx, senderHandler)
	}()
	go func() {
		defer wg.Done()
		defer receiverClose()
		recvErr = receiver.Receive(ctx, receiverHandler)
	}()
	wg.Wait()
	return
}

func TestLoopbackXmodemSingleFile(t *testing.T) {
	content := []byte("Hello, XMODEM loopback test! This is a test file.")
	senderHandler := newTestHandler()
	senderHandler.filesToSend = []*SendTask{
		{Name: "test.txt", Size: int64(len(content)), Reader: bytes.NewReader(content)},
	}
	receiverHandler := newTestHandler()

	cfg := Config{Protocol: ProtocolXmodem, PacketSize: shortPacketSize}
	sendErr, recvErr := runLoopback(t, cfg, cfg, senderHandler, receiverHandler, 10*time.Second)
	if sendErr != nil {
		t.Fatalf("sender error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver error: %v", recvErr)
	}

	// XMODEM carries no file name, so the receiver offers the file to
	// AcceptFile with an empty name.
	got, ok := receiverHandler.receivedFiles[""]
	if !ok {
		t.Fatal("XMODEM file not received")
	}
	if !bytes.Equal(got.Bytes(), content) {
		t.Errorf("content mismatch: got %d bytes, want %d", got.Len(), len(content))
	}
}

func TestLoopbackYmodemBatchTwoFiles(t *testing.T) {
	second := make([]byte, 3000)
	rand.Read(second)
	files := []struct {
		name    string
		content []byte
	}{
		{"file1.txt", []byte("First file content")},
		{"file2.bin", second},
	}

	senderHandler := newTestHandler()
	for _, f := range files {
		senderHandler.filesToSend = append(senderHandler.filesToSend, &SendTask{
			Name: f.name, Size: int64(len(f.content)), Reader: bytes.NewReader(f.content),
		})
	}
	receiverHandler := newTestHandler()

	cfg := Config{Protocol: ProtocolYmodem, Profile: ProfileRZSZ, PacketSize: longPacketSize}
	sendErr, recvErr := runLoopback(t, cfg, cfg, senderHandler, receiverHandler, 15*time.Second)
	if sendErr != nil {
		t.Fatalf("sender error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver error: %v", recvErr)
	}

	for _, f := range files {
		got, ok := receiverHandler.receivedFiles[f.name]
		if !ok {
			t.Errorf("%s not received", f.name)
			continue
		}
		if !bytes.Equal(got.Bytes(), f.content) {
			t.Errorf("%s content mismatch: got %d bytes, want %d", f.name, got.Len(), len(f.content))
		}
		if err := receiverHandler.completedFiles[f.name]; err != nil {
			t.Errorf("%s completed with error: %v", f.name, err)
		}
	}
}

func TestLoopbackYmodemSkipFile(t *testing.T) {
	keepContent := []byte("keep this file")
	senderHandler := newTestHandler()
	senderHandler.filesToSend = []*SendTask{
		{Name: "skip_me.txt", Size: 100, Reader: bytes.NewReader(make([]byte, 100))},
		{Name: "keep_me.txt", Size: int64(len(keepContent)), Reader: bytes.NewReader(keepContent)},
	}
	receiverHandler := newTestHandler()
	receiverHandler.skipFiles["skip_me.txt"] = true

	cfg := Config{Protocol: ProtocolYmodem, Profile: ProfileRZSZ, PacketSize: shortPacketSize}
	sendErr, recvErr := runLoopback(t, cfg, cfg, senderHandler, receiverHandler, 10*time.Second)
	if sendErr != nil {
		t.Fatalf("sender error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver error: %v", recvErr)
	}

	if _, ok := receiverHandler.receivedFiles["skip_me.txt"]; ok {
		t.Error("skip_me.txt should not have been received")
	}
	if _, ok := receiverHandler.receivedFiles["keep_me.txt"]; !ok {
		t.Error("keep_me.txt should have been received")
	}
}

func TestLoopbackYmodemG(t *testing.T) {
	content := make([]byte, 8192)
	rand.Read(content)

	senderHandler := newTestHandler()
	senderHandler.filesToSend = []*SendTask{
		{Name: "stream.bin", Size: int64(len(content)), Reader: bytes.NewReader(content)},
	}
	receiverHandler := newTestHandler()

	cfg := Config{Protocol: ProtocolYmodem, Profile: ProfileProYAM, Subtype: SubtypeG, PacketSize: longPacketSize}
	sendErr, recvErr := runLoopback(t, cfg, cfg, senderHandler, receiverHandler, 15*time.Second)
	if sendErr != nil {
		t.Fatalf("sender error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver error: %v", recvErr)
	}

	got, ok := receiverHandler.receivedFiles["stream.bin"]
	if !ok {
		t.Fatal("stream.bin not received")
	}
	if !bytes.Equal(got.Bytes(), content) {
		t.Errorf("content mismatch: got %d bytes, want %d", got.Len(), len(content))
	}
}

// corruptingWriter flips the trailer byte of the Nth data packet written
// through it, forcing a CRC/checksum failure the receiver must NAK and the
// sender must retransmit (retry path).
type corruptingWriter struct {
	w           io.Writer
	targetCount int
	seen        atomic.Int32
	corrupted   atomic.Bool
}

func (cw *corruptingWriter) Write(p []byte) (int, error) {
	if cw.corrupted.Load() || len(p) < 4 || (p[0] != SOH && p[0] != STX) {
		return cw.w.Write(p)
	}
	n := int(cw.seen.Add(1))
	if n != cw.targetCount {
		return cw.w.Write(p)
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	buf[len(buf)-1] ^= 0xff
	cw.corrupted.Store(true)
	return cw.w.Write(buf)
}

// duplicatingWriter replays the Nth data packet written through it a
// second time immediately after the original, simulating a sender
// retransmission of a packet the receiver already acknowledged (e.g. its
// ACK was lost in flight). The receiver must recognize the replay by
// sequence number, re-ACK it, and not write its payload twice.
type duplicatingWriter struct {
	w           io.Writer
	targetCount int
	seen        atomic.Int32
	duplicated  atomic.Bool
}

func (dw *duplicatingWriter) Write(p []byte) (int, error) {
	if dw.duplicated.Load() || len(p) < 4 || (p[0] != SOH && p[0] != STX) {
		return dw.w.Write(p)
	}
	n := int(dw.seen.Add(1))
	if n != dw.targetCount {
		return dw.w.Write(p)
	}
	if _, err := dw.w.Write(p); err != nil {
		return 0, err
	}
	dw.duplicated.Store(true)
	return dw.w.Write(p)
}

func TestLoopbackDuplicatePacketResync(t *testing.T) {
	r1, w1 := bufferedPipe(256)
	r2, w2 := bufferedPipe(256)

	dw := &duplicatingWriter{w: w1, targetCount: 2}
	senderT := &pipeReadWriter{Reader: r2, Writer: dw}
	receiverT := &pipeReadWriter{Reader: r1, Writer: w2}

	content := make([]byte, 300)
	rand.Read(content)

	senderHandler := newTestHandler()
	senderHandler.filesToSend = []*SendTask{
		{Name: "dup.bin", Size: int64(len(content)), Reader: bytes.NewReader(content)},
	}
	receiverHandler := newTestHandler()

	cfg := Config{Protocol: ProtocolYmodem, Profile: ProfileRZSZ, PacketSize: shortPacketSize}
	sender := NewSession(NewChannel(senderT, nil), cfg)
	receiver := NewSession(NewChannel(receiverT, nil), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var sendErr, recvErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer w1.Close()
		sendErr = sender.Send(ctx, senderHandler)
	}()
	go func() {
		defer wg.Done()
		defer w2.Close()
		recvErr = receiver.Receive(ctx, receiverHandler)
	}()
	wg.Wait()

	if sendErr != nil {
		t.Fatalf("sender error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver error: %v", recvErr)
	}

	got, ok := receiverHandler.receivedFiles["dup.bin"]
	if !ok {
		t.Fatal("dup.bin not received")
	}
	if got.Len() != len(content) {
		t.Fatalf("received %d bytes, want %d (duplicate packet must not be rewritten)", got.Len(), len(content))
	}
	if !bytes.Equal(got.Bytes(), content) {
		t.Errorf("content mismatch after duplicate packet: got %d bytes, want %d", got.Len(), len(content))
	}
}

func TestLoopbackCRCErrorRetry(t *testing.T) {
	r1, w1 := bufferedPipe(256)
	r2, w2 := bufferedPipe(256)

	cw := &corruptingWriter{w: w1, targetCount: 2}
	senderT := &pipeReadWriter{Reader: r2, Writer: cw}
	receiverT := &pipeReadWriter{Reader: r1, Writer: w2}

	content := make([]byte, 2000)
	rand.Read(content)

	senderHandler := newTestHandler()
	senderHandler.filesToSend = []*SendTask{
		{Name: "retry.bin", Size: int64(len(content)), Reader: bytes.NewReader(content)},
	}
	receiverHandler := newTestHandler()

	cfg := Config{Protocol: ProtocolYmodem, Profile: ProfileRZSZ, PacketSize: shortPacketSize}
	sender := NewSession(NewChannel(senderT, nil), cfg)
	receiver := NewSession(NewChannel(receiverT, nil), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var sendErr, recvErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer w1.Close()
		sendErr = sender.Send(ctx, senderHandler)
	}()
	go func() {
		defer wg.Done()
		defer w2.Close()
		recvErr = receiver.Receive(ctx, receiverHandler)
	}()
	wg.Wait()

	if sendErr != nil {
		t.Fatalf("sender error: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receiver error: %v", recvErr)
	}

	got, ok := receiverHandler.receivedFiles["retry.bin"]
	if !ok {
		t.Fatal("retry.bin not received")
	}
	if !bytes.Equal(got.Bytes(), content) {
		t.Errorf("content mismatch despite retry: got %d bytes, want %d", got.Len(), len(content))
	}
	if sender.Stats().Retries.Load() == 0 {
		t.Error("expected at least one retry to be recorded")
	}
}

func TestSessionAbortSendsTwoCAN(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	session := NewSession(NewChannel(a, nil), Config{})

	go session.Abort()

	buf := make([]byte, 2)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatalf("reading abort bytes: %v", err)
	}
	if buf[0] != CAN || buf[1] != CAN {
		t.Errorf("got %v, want two CAN bytes", buf)
	}
}

func TestReceiveCancelledByTwoCAN(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	go func() {
		buf := make([]byte, 1)
		for {
			if _, err := a.Read(buf); err != nil {
				return
			}
			if buf[0] == CRC || buf[0] == NAK {
				_, _ = a.Write([]byte{CAN, CAN})
				return
			}
		}
	}()

	receiver := NewSession(NewChannel(b, nil), Config{Protocol: ProtocolYmodem})
	err := receiver.Receive(context.Background(), newTestHandler())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}
