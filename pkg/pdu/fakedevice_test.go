package pdu

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var (
	fakeGetRe = regexp.MustCompile(`^(?:get )?PDU\.OutletSystem\.Outlet\[(\d+|x)\]\.(.+)$`)
	fakeSetRe = regexp.MustCompile(`^set PDU\.OutletSystem\.Outlet\[(\d+)\]\.(\S+) (\d+)$`)
)

// fakePDU answers the EMAT object syntax like an ePDU shell.
type fakePDU struct {
	mu       sync.Mutex
	outlets  []bool
	names    []string
	restart  []int
	resets   []int
	prompt   string
	echo     bool
	silent   map[string]bool
	hangup   map[string]bool
	replies  map[string][]string      // canned answers that win over the object model
	delay    map[string]time.Duration // pause before answering
	received []string
}

func newFakePDU(outlets int) *fakePDU {
	f := &fakePDU{
		outlets: make([]bool, outlets),
		names:   make([]string, outlets),
		restart: make([]int, outlets),
		resets:  make([]int, outlets),
		prompt:  "pdu> ",
		silent:  map[string]bool{},
		hangup:  map[string]bool{},
		replies: map[string][]string{},
		delay:   map[string]time.Duration{},
	}
	for i := range f.names {
		f.names[i] = fmt.Sprintf("Outlet-%d", i+1)
	}
	return f
}

func (f *fakePDU) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.received)
}

func (f *fakePDU) handle(cmd string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, cmd)
	if r, ok := f.replies[cmd]; ok {
		return r
	}

	switch strings.TrimPrefix(cmd, "get ") {
	case "PDU.PowerSummary.iManufacturer":
		return []string{"EATON"}
	case "PDU.PowerSummary.iPartNumber":
		return []string{"EMAT08-10"}
	case "PDU.PowerSummary.iVersion":
		return []string{"01.02.0003"}
	case "PDU.PowerSummary.iSerialNumber":
		return []string{"G123A45678"}
	case "PDU.OutletSystem.Outlet.Count":
		return []string{strconv.Itoa(len(f.outlets))}
	}

	if m := fakeGetRe.FindStringSubmatch(cmd); m != nil {
		idx, ok := f.indices(m[1])
		if !ok {
			return []string{"Error: invalid outlet"}
		}
		vals := make([]string, 0, len(idx))
		for _, i := range idx {
			v, ok := f.attr(i, m[2])
			if !ok {
				return []string{"Error: unknown object"}
			}
			vals = append(vals, v)
		}
		return []string{strings.Join(vals, "|")}
	}

	if m := fakeSetRe.FindStringSubmatch(cmd); m != nil {
		idx, ok := f.indices(m[1])
		if !ok {
			return []string{"Error: invalid outlet"}
		}
		i := idx[0]
		p, _ := strconv.Atoi(m[3])
		switch m[2] {
		case "DelayBeforeStartup":
			f.outlets[i] = true
		case "DelayBeforeShutdown":
			f.outlets[i] = false
		case "AutomaticRestart":
			f.restart[i] = p
		case "Statistic[5].ModuleReset":
			f.resets[i]++
		default:
			return []string{"Error: unknown object"}
		}
		return nil
	}

	return []string{"Error: unknown command"}
}

func (f *fakePDU) indices(s string) ([]int, bool) {
	if s == "x" {
		idx := make([]int, len(f.outlets))
		for i := range idx {
			idx[i] = i
		}
		return idx, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > len(f.outlets) {
		return nil, false
	}
	return []int{n - 1}, true
}

func (f *fakePDU) attr(i int, name string) (string, bool) {
	switch name {
	case "PresentStatus.SwitchOnOff":
		if f.outlets[i] {
			return "1", true
		}
		return "0", true
	case "iName":
		return f.names[i], true
	case "AutomaticRestart":
		return strconv.Itoa(f.restart[i]), true
	case "ActivePower":
		return "12.5", true
	default:
		return "", false
	}
}

// serve answers one command per line until the peer goes away or says exit.
func (f *fakePDU) serve(r *bufio.Reader, w io.Writer) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if cmd == "exit" {
			return
		}

		f.mu.Lock()
		silent, hangup := f.silent[cmd], f.hangup[cmd]
		echo, prompt, delay := f.echo, f.prompt, f.delay[cmd]
		f.mu.Unlock()
		if hangup {
			return
		}
		if silent {
			f.mu.Lock()
			f.received = append(f.received, cmd)
			f.mu.Unlock()
			continue
		}

		if delay > 0 {
			time.Sleep(delay)
		}
		var out strings.Builder
		if echo {
			out.WriteString(cmd + "\r\n")
		}
		for _, l := range f.handle(cmd) {
			out.WriteString(l + "\r\n")
		}
		out.WriteString(prompt)
		if _, err := io.WriteString(w, out.String()); err != nil {
			return
		}
	}
}

func listen(t *testing.T, handle func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

func startTCP(t *testing.T, f *fakePDU) (string, int) {
	return listen(t, func(conn net.Conn) {
		f.serve(bufio.NewReader(conn), conn)
	})
}

// Telnet command bytes the fake server sends and strips.
const (
	iac     = 255
	will    = 251
	do      = 253
	optEcho = 1
	optSGA  = 3
	optNAWS = 31
)

// iacReader drops Telnet commands from the client's byte stream.
type iacReader struct {
	r *bufio.Reader
}

func (s iacReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && (n == 0 || s.r.Buffered() > 0) {
		b, err := s.r.ReadByte()
		if err != nil {
			return n, err
		}
		if b != iac {
			p[n] = b
			n++
			continue
		}
		cmd, err := s.r.ReadByte()
		if err != nil {
			return n, err
		}
		switch {
		case cmd == iac:
			p[n] = iac
			n++
		case cmd >= will:
			if _, err := s.r.ReadByte(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func startTelnet(t *testing.T, f *fakePDU, user, pass string) (string, int) {
	return listen(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte{
			iac, will, optEcho,
			iac, will, optSGA,
			iac, do, optNAWS,
		})
		r := bufio.NewReader(iacReader{r: bufio.NewReader(conn)})
		for {
			io.WriteString(conn, "\r\nePDU login: ")
			u, err := r.ReadString('\n')
			if err != nil {
				return
			}
			io.WriteString(conn, "Password: ")
			p, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.TrimSpace(u) == user && strings.TrimSpace(p) == pass {
				break
			}
			io.WriteString(conn, "\r\nLogin incorrect\r\n")
		}
		io.WriteString(conn, "\r\nWelcome to the ePDU shell\r\n"+f.prompt)
		f.serve(r, conn)
	})
}

func startSSH(t *testing.T, f *fakePDU, user, pass string) (string, int) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == user && string(password) == pass {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(signer)

	return listen(t, func(conn net.Conn) {
		_, chans, reqs, err := ssh.NewServerConn(conn, config)
		if err != nil {
			return
		}
		go ssh.DiscardRequests(reqs)

		for newChan := range chans {
			if newChan.ChannelType() != "session" {
				newChan.Reject(ssh.UnknownChannelType, "only session channels")
				continue
			}
			channel, requests, err := newChan.Accept()
			if err != nil {
				return
			}
			shell := make(chan struct{})
			go func() {
				started := false
				for req := range requests {
					ok := req.Type == "pty-req" || req.Type == "shell"
					if req.WantReply {
						req.Reply(ok, nil)
					}
					if req.Type == "shell" && !started {
						started = true
						close(shell)
					}
				}
			}()
			go func() {
				defer channel.Close()
				<-shell
				io.WriteString(channel, "Welcome to the ePDU shell\r\n"+f.prompt)
				f.serve(bufio.NewReader(channel), channel)
			}()
		}
	})
}
