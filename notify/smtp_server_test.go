package notify

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// capturedEmail is one message accepted by testSMTPServer.
type capturedEmail struct {
	From string
	To   []string
	Data string
}

// testSMTPServer speaks just enough SMTP for net/smtp: no STARTTLS, no AUTH.
type testSMTPServer struct {
	listener net.Listener
	reject   bool

	mu       sync.Mutex
	messages []capturedEmail
}

func newTestSMTPServer(t *testing.T) *testSMTPServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testSMTPServer{listener: l}
	go s.serve()
	t.Cleanup(func() { _ = l.Close() })
	return s
}

func (s *testSMTPServer) hostPort() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *testSMTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	reply := func(line string) {
		w.WriteString(line + "\r\n")
		w.Flush()
	}

	reply("220 test-smtp ESMTP")
	scanner := bufio.NewScanner(conn)
	var from string
	var to []string
	var data strings.Builder
	inData := false

	for scanner.Scan() {
		line := scanner.Text()
		if inData {
			if line == "." {
				s.mu.Lock()
				s.messages = append(s.messages, capturedEmail{From: from, To: to, Data: data.String()})
				s.mu.Unlock()
				inData = false
				from, to = "", nil
				data.Reset()
				reply("250 OK")
				continue
			}
			data.WriteString(strings.TrimPrefix(line, ".") + "\n")
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250-test-smtp")
			reply("250 8BITMIME")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			if s.reject {
				reply("550 sender rejected")
				continue
			}
			from = extractAddress(line)
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			to = append(to, extractAddress(line))
			reply("250 OK")
		case upper == "DATA":
			inData = true
			reply("354 End data with <CR><LF>.<CR><LF>")
		case upper == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (s *testSMTPServer) received() []capturedEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedEmail(nil), s.messages...)
}

func extractAddress(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start != -1 && end > start {
		return line[start+1 : end]
	}
	return ""
}
