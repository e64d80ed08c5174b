package terminal

import (
	"io"
	"strings"
	"sync"
)

const simPrompt = "root@ctf-container:~# "

const simBanner = "\r\nCTF Arena training shell\r\n" +
	"Type 'help' for available commands.\r\n\r\n" + simPrompt

// Simulated is a canned in-process shell used when no real container is
// available. It implements the same io.ReadWriteCloser contract as a live
// attach stream: writes are keystrokes, reads are terminal output.
type Simulated struct {
	mu      sync.Mutex
	line    []byte
	pending []byte
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewSimulated returns a simulated shell with its banner already queued.
func NewSimulated() *Simulated {
	s := &Simulated{
		out:  make(chan []byte, 32),
		done: make(chan struct{}),
	}
	s.push([]byte(simBanner))
	return s
}

func (s *Simulated) push(b []byte) {
	if len(b) == 0 {
		return
	}
	select {
	case s.out <- b:
	case <-s.done:
	}
}

func (s *Simulated) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	select {
	case b := <-s.out:
		n := copy(p, b)
		if n < len(b) {
			s.mu.Lock()
			s.pending = append(s.pending, b[n:]...)
			s.mu.Unlock()
		}
		return n, nil
	case <-s.done:
		return 0, io.EOF
	}
}

func (s *Simulated) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}

	for _, b := range p {
		switch {
		case b == '\r' || b == '\n':
			s.mu.Lock()
			cmd := string(s.line)
			s.line = s.line[:0]
			s.mu.Unlock()
			s.push([]byte("\r\n"))
			if out := s.run(cmd); out != "" {
				s.push([]byte(out + "\r\n"))
			}
			s.push([]byte(simPrompt))
		case b == 0x7f || b == '\b':
			s.mu.Lock()
			if len(s.line) > 0 {
				s.line = s.line[:len(s.line)-1]
				s.mu.Unlock()
				s.push([]byte("\b \b"))
			} else {
				s.mu.Unlock()
			}
		case b == 0x03: // Ctrl-C
			s.mu.Lock()
			s.line = s.line[:0]
			s.mu.Unlock()
			s.push([]byte("^C\r\n" + simPrompt))
		case b >= 0x20:
			s.mu.Lock()
			s.line = append(s.line, b)
			s.mu.Unlock()
			s.push([]byte{b}) // local echo
		}
	}
	return len(p), nil
}

func (s *Simulated) run(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "ls":
		return "bin  etc  home  lib  root  usr  var"
	case "pwd":
		return "/root"
	case "whoami":
		return "root"
	case "id":
		return "uid=0(root) gid=0(root) groups=0(root)"
	case "hostname":
		return "ctf-container"
	case "cd":
		return ""
	case "clear":
		return "\x1b[2J\x1b[H"
	case "echo":
		return strings.Join(fields[1:], " ")
	case "cat":
		if len(fields) > 1 {
			switch fields[1] {
			case "/etc/hostname":
				return "ctf-container"
			case "/etc/passwd":
				return "root:x:0:0:root:/root:/bin/bash"
			}
			return "cat: " + fields[1] + ": No such file or directory"
		}
		return ""
	case "help":
		return "available commands: ls, pwd, cd, cat, echo, whoami, id, hostname, clear, help"
	default:
		return fields[0] + ": command not found"
	}
}

func (s *Simulated) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
