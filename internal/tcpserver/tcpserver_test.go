package tcpserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/arung-agamani/pmpserver/internal/protocol"
)

type recordingHandler struct {
	mu    sync.Mutex
	lines []string
}

func (h *recordingHandler) HandleConnection(ctx context.Context, conn *Conn) {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.lines = append(h.lines, line)
		h.mu.Unlock()
		if line == "binary" {
			if err := conn.SwitchToBinary(); err != nil {
				return
			}
			return
		}
	}
}

func TestDiscoveryRespondsToProbe(t *testing.T) {
	h := &recordingHandler{}
	s := New("127.0.0.1:0", "127.0.0.1:0", h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	// Poll until the server has bound its sockets (Start binds synchronously
	// before spawning its loops, but this goroutine races that).
	deadline := time.Now().Add(2 * time.Second)
	for s.udpConn == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.udpConn == nil {
		t.Fatalf("server never bound its udp socket")
	}

	clientConn, err := net.Dial("udp", s.udpConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte(DiscoveryProbe)); err != nil {
		t.Fatalf("write probe: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply := string(buf[:n])
	if len(reply) < len(DiscoveryAnnouncePrefix) || reply[:len(DiscoveryAnnouncePrefix)] != DiscoveryAnnouncePrefix {
		t.Fatalf("unexpected discovery reply: %q", reply)
	}
}

func TestConnLineThenBinarySwitch(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	server := newConn(serverRaw)
	client := newConn(clientRaw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		line, err := server.ReadLine()
		if err != nil {
			t.Errorf("server ReadLine: %v", err)
			return
		}
		if line != "hello" {
			t.Errorf("expected %q, got %q", "hello", line)
		}
		line, err = server.ReadLine()
		if err != nil || line != "binary" {
			t.Errorf("expected binary switch command, got %q err %v", line, err)
			return
		}
		if err := server.SwitchToBinary(); err != nil {
			t.Errorf("server SwitchToBinary: %v", err)
		}
	}()

	client.WriteLine("hello")
	client.WriteLine("binary")
	if err := client.SwitchToBinary(); err != nil {
		t.Fatalf("client SwitchToBinary: %v", err)
	}
	<-done

	if !server.IsBinary() || !client.IsBinary() {
		t.Fatalf("expected both ends to report binary mode")
	}
}

func TestConnFrameRoundTripAfterBinarySwitch(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	server := newConn(serverRaw)
	client := newConn(clientRaw)

	go server.SwitchToBinary()
	if err := client.SwitchToBinary(); err != nil {
		t.Fatalf("SwitchToBinary: %v", err)
	}

	msg := protocol.SingleByteActionMsg{Code: protocol.ActionPlay}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.WriteFrame(msg.Encode()); err != nil {
			t.Errorf("WriteFrame: %v", err)
		}
	}()

	payload, err := server.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	<-done

	typ, body, err := protocol.PeekType(payload)
	if err != nil || typ != protocol.MsgSingleByteAction {
		t.Fatalf("unexpected message type %v err %v", typ, err)
	}
	decoded, err := protocol.DecodeSingleByteAction(body)
	if err != nil || decoded.Code != protocol.ActionPlay {
		t.Fatalf("decode mismatch: %+v err %v", decoded, err)
	}
}
