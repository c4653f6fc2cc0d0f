package tracker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nevil1324/P2P/pkg/token"
	"github.com/nevil1324/P2P/pkg/wire"
	"go.uber.org/zap"
)

// Tracker is the central metadata server. It holds no file data; it serves
// the authenticated command protocol over persistent framed connections.
type Tracker struct {
	addr     string
	state    *State
	minter   *token.Minter
	log      *zap.SugaredLogger
	listener net.Listener
	quitCh   chan struct{}
}

// New builds a tracker listening on addr, minting tokens with the given
// secret and lifetime.
func New(addr, secret string, tokenLifetime time.Duration, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		addr:   addr,
		state:  NewState(),
		minter: token.NewMinter(secret, tokenLifetime),
		log:    log,
		quitCh: make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background.
func (t *Tracker) Start() error {
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tracker listen on %s: %w", t.addr, err)
	}
	t.listener = listener
	t.log.Infof("[Tracker] listening: addr=%s", t.addr)

	go t.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (t *Tracker) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// Stop closes the listener so no new connections are accepted. Connections
// already accepted are not closed; they keep being served until their peers
// close them.
func (t *Tracker) Stop() {
	close(t.quitCh)
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *Tracker) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quitCh:
				return
			default:
				t.log.Errorf("[Tracker] accept error: %v", err)
				continue
			}
		}
		go t.handleConn(conn)
	}
}

// handleConn serves one peer's persistent connection: read a framed command,
// execute it synchronously, write the framed response, repeat until the peer
// closes.
func (t *Tracker) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	t.log.Infof("[Tracker] peer connected: remote=%s", remote)

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.log.Infof("[Tracker] peer disconnected: remote=%s", remote)
			} else {
				t.log.Errorf("[Tracker] read error: remote=%s err=%v", remote, err)
			}
			return
		}

		command := string(payload)
		t.log.Debugf("[Tracker] command: remote=%s cmd=%q", remote, command)

		if err := wire.WriteFrame(conn, t.Execute(command)); err != nil {
			t.log.Errorf("[Tracker] write error: remote=%s err=%v", remote, err)
			return
		}
	}
}
