package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/nevil1324/P2P/pkg/monitor"
	"github.com/nevil1324/P2P/pkg/proto"
	"github.com/nevil1324/P2P/pkg/wire"
	"go.uber.org/zap"
)

// Seeder serves piece queries on the peer's advertised endpoint. Each
// accepted connection gets its own goroutine running a framed command loop
// until the leecher on the other side closes.
type Seeder struct {
	addr     string
	index    *SharedPieceIndex
	log      *zap.SugaredLogger
	listener net.Listener
	quitCh   chan struct{}
	served   atomic.Int64
}

// NewSeeder builds a seeder serving the given index on addr.
func NewSeeder(addr string, index *SharedPieceIndex, log *zap.SugaredLogger) *Seeder {
	return &Seeder{
		addr:   addr,
		index:  index,
		log:    log,
		quitCh: make(chan struct{}),
	}
}

// Start binds the advertised endpoint and begins accepting in the
// background.
func (s *Seeder) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("seeder listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Infof("[Seeder] listening: addr=%s", s.addr)

	go s.acceptLoop()
	return nil
}

// Addr returns the bound address.
func (s *Seeder) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes the listener.
func (s *Seeder) Stop() {
	close(s.quitCh)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Seeder) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quitCh:
				return
			default:
				s.log.Errorf("[Seeder] accept error: %v", err)
				continue
			}
		}
		go s.handleLeecher(conn)
	}
}

func (s *Seeder) handleLeecher(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.log.Infof("[Seeder] leecher connected: remote=%s", remote)

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Infof("[Seeder] leecher closed the connection: remote=%s", remote)
			} else {
				s.log.Errorf("[Seeder] read error: remote=%s err=%v", remote, err)
			}
			return
		}

		command := string(payload)
		s.log.Debugf("[Seeder] command: remote=%s cmd=%q", remote, command)

		var response []byte
		result, err := s.executeCommand(command)
		if err != nil {
			response = proto.Failure(err)
		} else {
			response = append(proto.Success(""), result...)
		}

		if err := wire.WriteFrame(conn, response); err != nil {
			s.log.Errorf("[Seeder] write error: remote=%s err=%v", remote, err)
			return
		}
	}
}

func (s *Seeder) executeCommand(command string) ([]byte, error) {
	tokens := proto.Fields(command)
	if len(tokens) == 0 {
		return nil, proto.Errf(proto.KindValidation, "empty command")
	}

	switch tokens[0] {
	case proto.CmdGivePieceInfo:
		if len(tokens) != 3 {
			return nil, proto.Errf(proto.KindValidation, "usage: give_piece_info <file> <group>")
		}
		return s.givePieceInfo(tokens[1], tokens[2]), nil
	case proto.CmdGivePiece:
		if len(tokens) != 4 {
			return nil, proto.Errf(proto.KindValidation, "usage: give_piece <file> <group> <index>")
		}
		piece, err := strconv.Atoi(tokens[3])
		if err != nil {
			return nil, proto.Errf(proto.KindValidation, "bad piece index %q", tokens[3])
		}
		return s.givePiece(tokens[1], tokens[2], piece)
	default:
		return nil, proto.Errf(proto.KindValidation, "unknown command %q", tokens[0])
	}
}

// givePieceInfo returns a single space followed by the space-separated
// available indices. An unknown file or an empty entry yields just the
// single space; that is not an error, the leecher simply finds no
// candidates here.
func (s *Seeder) givePieceInfo(fileName, groupName string) []byte {
	path := s.index.FilePath(fileName, groupName)
	if path == "" {
		return []byte(" ")
	}

	var b strings.Builder
	b.WriteByte(' ')
	for i, piece := range s.index.AvailablePieces(path) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(piece))
	}
	return []byte(b.String())
}

// givePiece reads piece bytes from the local file. Piece i (1-based) lives
// at offset (i-1)*P; the last piece may be short. The index lookup happens
// under its locks, the file read does not.
func (s *Seeder) givePiece(fileName, groupName string, piece int) ([]byte, error) {
	path := s.index.FilePath(fileName, groupName)
	if path == "" {
		return nil, proto.Errf(proto.KindValidation, "file %s not found in %s", fileName, groupName)
	}
	if piece < 1 {
		return nil, proto.Errf(proto.KindValidation, "piece index %d out of range", piece)
	}
	if !s.index.HasPiece(path, piece) {
		return nil, proto.Errf(proto.KindValidation, "piece %d not available", piece)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, proto.Errf(proto.KindIO, "open %s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, proto.PieceSize)
	n, err := f.ReadAt(buf, int64(piece-1)*proto.PieceSize)
	if err != nil && err != io.EOF {
		return nil, proto.Errf(proto.KindIO, "read piece %d of %s: %v", piece, path, err)
	}
	if n == 0 {
		return nil, proto.Errf(proto.KindIO, "piece %d of %s is past end of file", piece, path)
	}

	s.served.Add(1)
	monitor.RecordServe(n)
	s.log.Infof("[Seeder] piece served: file=%s group=%s piece=%d bytes=%d", fileName, groupName, piece, n)
	return buf[:n], nil
}

// ServedPieces reports how many pieces this seeder has served.
func (s *Seeder) ServedPieces() int64 {
	return s.served.Load()
}
