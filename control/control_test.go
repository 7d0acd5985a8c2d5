package control

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"testing"
	"time"
)

type fakeHandler struct {
	openErr error
	sendErr error
	sent    []string
}

func (h *fakeHandler) OpenDestination(appName string, aspects []string) (string, error) {
	if h.openErr != nil {
		return "", h.openErr
	}
	return "deadbeefdeadbeef00112233445566aa", nil
}

func (h *fakeHandler) Send(destHashHex, title string, content []byte) error {
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, destHashHex+"|"+title+"|"+string(content))
	return nil
}

func startTestServer(t *testing.T, h Handler) (net.Conn, *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Handler: h}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, s
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatal(res.err)
		}
		return res.line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response line")
		return ""
	}
}

func TestOpenDestination(t *testing.T) {
	h := &fakeHandler{}
	conn, _ := startTestServer(t, h)
	r := bufio.NewReader(conn)

	fmt.Fprintln(conn, "OPEN myapp chat")
	got := readLine(t, r)
	want := "OK deadbeefdeadbeef00112233445566aa\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSendMessage(t *testing.T) {
	h := &fakeHandler{}
	conn, _ := startTestServer(t, h)
	r := bufio.NewReader(conn)

	title := base64.StdEncoding.EncodeToString([]byte("hello"))
	content := base64.StdEncoding.EncodeToString([]byte("world"))
	fmt.Fprintf(conn, "SEND aabbcc %s %s\n", title, content)

	got := readLine(t, r)
	if got != "OK\n" {
		t.Fatalf("got %q", got)
	}
	if len(h.sent) != 1 || h.sent[0] != "aabbcc|hello|world" {
		t.Fatalf("unexpected recorded send: %v", h.sent)
	}
}

func TestSendBadEncodingRejected(t *testing.T) {
	h := &fakeHandler{}
	conn, _ := startTestServer(t, h)
	r := bufio.NewReader(conn)

	fmt.Fprintln(conn, "SEND aabbcc not-base64! also-not!")
	got := readLine(t, r)
	if got[:3] != "ERR" {
		t.Fatalf("expected an error response, got %q", got)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	h := &fakeHandler{}
	conn, _ := startTestServer(t, h)
	r := bufio.NewReader(conn)

	fmt.Fprintln(conn, "FROBNICATE")
	got := readLine(t, r)
	if got[:3] != "ERR" {
		t.Fatalf("expected an error response, got %q", got)
	}
}

func TestListenAndServeRejectsNonLoopback(t *testing.T) {
	s := &Server{Addr: "0.0.0.0:0"}
	if err := s.ListenAndServe(); err == nil {
		t.Fatal("expected a non-loopback bind address to be rejected")
	}
}
