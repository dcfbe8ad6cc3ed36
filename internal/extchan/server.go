// Package extchan drives an external channel emulator over a line protocol
// on its standard input and output.
package extchan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ayakokk/DNAStorage-sub000/ids"
)

const (
	DefaultReady        = "DNA_SERVER_READY"
	DefaultStartTimeout = 60 * time.Second
	DefaultReplyTimeout = 30 * time.Second

	resultPrefix = "RESULT:"
	errorPrefix  = "ERROR:"
	exitCommand  = "EXIT"
	closeGrace   = 2 * time.Second
	maxLine      = 1 << 20
)

var (
	ErrNotReady = errors.New("extchan: emulator not ready")
	ErrTimeout  = errors.New("extchan: timed out")
	ErrRemote   = errors.New("extchan: emulator error")
	ErrClosed   = errors.New("extchan: emulator closed")
)

// DefaultCommand runs the DNArSim server script with julia.
var DefaultCommand = []string{"julia", "DNArSim-main/simulator/dna_server.jl"}

// Config selects the emulator process and its timeouts. Zero values take
// the defaults above.
type Config struct {
	Command      []string      `yaml:"command"`
	Dir          string        `yaml:"dir"`
	Ready        string        `yaml:"ready"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	// Alphabet is the symbol alphabet of the sequences passed to Transmit.
	Alphabet int         `yaml:"alphabet"`
	Stderr   io.Writer   `yaml:"-"`
	Logger   *log.Logger `yaml:"-"`
}

// Server is a running emulator. It implements ids.Channel; requests are
// serialized because the protocol has one outstanding reply.
type Server struct {
	cfg   Config
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}
	quit  chan struct{}
	stop  sync.Once
	log   *log.Logger

	mu     sync.Mutex
	broken error
	closed bool
}

var _ ids.Channel = (*Server)(nil)

// Start launches the emulator in its own process group and waits for the
// ready line. On any failure the process is killed before returning.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if cfg.Ready == "" {
		cfg.Ready = DefaultReady
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.Alphabet == 0 {
		cfg.Alphabet = 4
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	s := &Server{
		cfg:   cfg,
		lines: make(chan string, 1),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
		log:   cfg.Logger,
	}
	if s.log == nil {
		s.log = log.New(io.Discard, "", 0)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Stderr = cfg.Stderr
	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("extchan: start %s: %w", cfg.Command[0], err)
	}
	pw.Close()
	s.cmd, s.stdin = cmd, stdin
	go s.readLines(pr)
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()

	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()
	for {
		line, err := s.next(ctx)
		if err != nil {
			s.kill()
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		if strings.Contains(line, cfg.Ready) {
			break
		}
		s.log.Printf("extchan: %s", line)
	}
	s.log.Printf("extchan: %s ready (pid %d)", strings.Join(cfg.Command, " "), cmd.Process.Pid)
	return s, nil
}

func (s *Server) readLines(r io.ReadCloser) {
	defer r.Close()
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		select {
		case s.lines <- strings.TrimRight(sc.Text(), "\r"):
		case <-s.quit:
			return
		}
	}
}

// next waits for one output line.
func (s *Server) next(ctx context.Context) (string, error) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			return "", ErrClosed
		}
		return line, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

// Transmit sends x as one DNA line and returns the emulator's read-out.
func (s *Server) Transmit(ctx context.Context, x []byte) ([]byte, error) {
	dna, err := ids.SymbolsToDNA(x, s.cfg.Alphabet)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.broken != nil {
		return nil, s.broken
	}
	if _, err := io.WriteString(s.stdin, dna+"\n"); err != nil {
		s.broken = fmt.Errorf("%w: write: %v", ErrClosed, err)
		return nil, s.broken
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	line, err := s.next(ctx)
	if err != nil {
		// a late reply would answer the wrong request
		s.broken = err
		return nil, err
	}
	switch {
	case strings.HasPrefix(line, errorPrefix):
		return nil, fmt.Errorf("%w: %s", ErrRemote, strings.TrimSpace(line[len(errorPrefix):]))
	case strings.HasPrefix(line, resultPrefix):
		line = line[len(resultPrefix):]
	}
	return ids.DNAToSymbols(strings.TrimSpace(line), s.cfg.Alphabet)
}

// Close asks the emulator to exit and kills its process group if it does
// not within a short grace period.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = io.WriteString(s.stdin, exitCommand+"\n")
	_ = s.stdin.Close()
	select {
	case <-s.done:
		s.stop.Do(func() { close(s.quit) })
		return nil
	case <-time.After(closeGrace):
	}
	s.kill()
	return nil
}

func (s *Server) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := killProcessGroup(s.cmd); err != nil {
		s.log.Printf("extchan: kill: %v", err)
	}
	s.stop.Do(func() { close(s.quit) })
	<-s.done
}
