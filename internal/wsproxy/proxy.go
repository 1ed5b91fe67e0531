// Package wsproxy relays a byte stream between stdio and a WebSocket. It is
// the ProxyCommand the ssh client runs to reach a sandbox's forwarder.
package wsproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	readLimit = 4 * 1024 * 1024
	chunkSize = 32 * 1024
)

// State is the connection state of a Proxy.
type State int

const (
	StatePending State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ProxyTransportError ends a relay that did not close normally. Code is the
// WebSocket close code, or -1 when no close frame was seen.
type ProxyTransportError struct {
	Code websocket.StatusCode
	Err  error
}

func (e *ProxyTransportError) Error() string {
	if e.Code >= 0 && e.Err == nil {
		return fmt.Sprintf("websocket closed with code %d", int(e.Code))
	}
	if e.Code >= 0 {
		return fmt.Sprintf("websocket closed with code %d: %v", int(e.Code), e.Err)
	}
	return fmt.Sprintf("websocket transport error: %v", e.Err)
}

func (e *ProxyTransportError) Unwrap() error {
	return e.Err
}

// Proxy relays Stdin to a WebSocket and every received message to Stdout.
type Proxy struct {
	URL    string
	Stdin  io.Reader
	Stdout io.Writer
	Logger *zap.Logger

	// DialOptions is passed to websocket.Dial as is.
	DialOptions *websocket.DialOptions
	// OnStateChange, when set, is called from the relay loop on every
	// transition.
	OnStateChange func(State)

	state State
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// Run relays until the socket closes. Input read before the socket opens
// is queued and sent in order once it does. When Stdin reaches EOF the
// socket is closed with a normal closure after all queued input was sent.
// Socket writes happen on their own goroutine so incoming messages keep
// flowing to Stdout while a write is blocked.
//
// Run returns nil only when the socket ends with close code 1000.
func (p *Proxy) Run(ctx context.Context) error {
	if p.URL == "" {
		return errors.New("wsproxy: no URL")
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("wsproxy")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinCh := make(chan []byte)
	stdinErr := make(chan error, 1)
	go pumpStdin(ctx, p.Stdin, stdinCh, stdinErr)

	dialed := make(chan dialResult, 1)
	go func() {
		conn, _, err := websocket.Dial(ctx, p.URL, p.DialOptions)
		dialed <- dialResult{conn: conn, err: err}
	}()

	var (
		conn      *websocket.Conn
		queue     [][]byte
		stdinEOF  bool
		writes    chan []byte
		writeDone = make(chan error, 1)
		messages  = make(chan []byte)
		readErr   = make(chan error, 1)
		closed    = make(chan error, 1)
	)

	p.setState(StatePending, log)

	// startClose moves to closing; the handshake runs off the loop so that
	// messages still arriving keep being drained.
	startClose := func() {
		p.setState(StateClosing, log)
		go func() { closed <- conn.Close(websocket.StatusNormalClosure, "") }()
	}

	fail := func(err error) error {
		if conn != nil {
			conn.CloseNow()
		}
		p.setState(StateClosed, log)
		log.Warn("relay failed", zap.Error(err))
		return err
	}

	for {
		// Offer the writer the oldest queued chunk. Once stdin has ended
		// and the queue is drained, closing writes lets the writer finish.
		var (
			sendCh chan<- []byte
			next   []byte
		)
		if writes != nil {
			switch {
			case len(queue) > 0:
				sendCh, next = writes, queue[0]
			case stdinEOF:
				close(writes)
				writes = nil
			}
		}

		select {
		case <-ctx.Done():
			return fail(&ProxyTransportError{Code: -1, Err: ctx.Err()})

		case res := <-dialed:
			if res.err != nil {
				return fail(&ProxyTransportError{Code: -1, Err: fmt.Errorf("dial %s: %w", p.URL, res.err)})
			}
			conn = res.conn
			conn.SetReadLimit(readLimit)
			p.setState(StateOpen, log)
			log.Debug("connected", zap.Int("queued_chunks", len(queue)))

			writes = make(chan []byte)
			go writeSocket(ctx, conn, writes, writeDone)
			go readSocket(ctx, conn, messages, readErr)

		case sendCh <- next:
			queue[0] = nil
			queue = queue[1:]

		case chunk := <-stdinCh:
			queue = append(queue, chunk)

		case err := <-stdinErr:
			stdinCh = nil
			stdinErr = nil
			if !errors.Is(err, io.EOF) {
				return fail(fmt.Errorf("read stdin: %w", err))
			}
			stdinEOF = true

		case err := <-writeDone:
			if err != nil {
				if ctx.Err() != nil {
					return fail(&ProxyTransportError{Code: -1, Err: ctx.Err()})
				}
				return fail(&ProxyTransportError{Code: -1, Err: err})
			}
			startClose()

		case data := <-messages:
			if _, err := p.Stdout.Write(data); err != nil {
				return fail(fmt.Errorf("write stdout: %w", err))
			}

		case err := <-readErr:
			if ctx.Err() != nil {
				return fail(&ProxyTransportError{Code: -1, Err: ctx.Err()})
			}
			if p.state == StateClosing {
				// The close handshake result decides.
				continue
			}
			code := websocket.CloseStatus(err)
			p.setState(StateClosed, log)
			if code == websocket.StatusNormalClosure {
				log.Debug("remote closed normally")
				return nil
			}
			if code >= 0 {
				return fail(&ProxyTransportError{Code: code})
			}
			return fail(&ProxyTransportError{Code: -1, Err: err})

		case err := <-closed:
			p.setState(StateClosed, log)
			if err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fail(&ProxyTransportError{Code: websocket.CloseStatus(err), Err: err})
		}
	}
}

func (p *Proxy) setState(s State, log *zap.Logger) {
	if p.state == s && s != StatePending {
		return
	}
	p.state = s
	log.Debug("state", zap.Stringer("state", s))
	if p.OnStateChange != nil {
		p.OnStateChange(s)
	}
}

func pumpStdin(ctx context.Context, r io.Reader, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case out <- bytes.Clone(buf[:n]):
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// writeSocket sends every chunk from in as a binary message and reports
// nil on done once in is closed.
func writeSocket(ctx context.Context, conn *websocket.Conn, in <-chan []byte, done chan<- error) {
	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				done <- nil
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				done <- err
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func readSocket(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errc chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}
