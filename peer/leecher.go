package peer

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/nevil1324/P2P/pkg/hashing"
	"github.com/nevil1324/P2P/pkg/proto"
	"github.com/nevil1324/P2P/pkg/ui"
	"github.com/nevil1324/P2P/pkg/wire"
	"go.uber.org/zap"
)

// noToken is the placeholder sent before login; the tracker rejects it like
// any other invalid token.
const noToken = "NULL"

// Leecher is the controller role of a peer: it owns the persistent tracker
// connection, translates shell commands into tracker requests, and drives
// the download engine. One leecher per process.
type Leecher struct {
	seederAddr  string
	trackerAddr string

	connMu sync.Mutex
	conn   net.Conn

	authToken string
	tokenMu   sync.Mutex

	index     *SharedPieceIndex
	downloads *Downloads
	engine    *Engine
	log       *zap.SugaredLogger
}

// NewLeecher wires a leecher to the shared index and download registry.
// seederAddr is the endpoint advertised on login.
func NewLeecher(seederAddr string, index *SharedPieceIndex, downloads *Downloads, engine *Engine, log *zap.SugaredLogger) *Leecher {
	return &Leecher{
		seederAddr: seederAddr,
		authToken:  noToken,
		index:      index,
		downloads:  downloads,
		engine:     engine,
		log:        log,
	}
}

// ConnectTracker dials the tracker; the connection persists for the life of
// the process.
func (l *Leecher) ConnectTracker(trackerAddr string) error {
	conn, err := net.Dial("tcp", trackerAddr)
	if err != nil {
		return fmt.Errorf("connect tracker %s: %w", trackerAddr, err)
	}
	l.trackerAddr = trackerAddr
	l.conn = conn
	l.log.Infof("[Leecher] connected to tracker: addr=%s", trackerAddr)
	return nil
}

// Close drops the tracker connection.
func (l *Leecher) Close() {
	if l.conn != nil {
		l.conn.Close()
	}
}

// LoggedIn reports whether a login token is held.
func (l *Leecher) LoggedIn() bool {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.authToken != noToken
}

func (l *Leecher) token() string {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	return l.authToken
}

func (l *Leecher) setToken(tok string) {
	l.tokenMu.Lock()
	defer l.tokenMu.Unlock()
	l.authToken = tok
}

// sendTracker performs one framed request/response exchange with the
// tracker and surfaces the Error envelope as an error.
func (l *Leecher) sendTracker(message string) (string, error) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	l.log.Debugf("[Leecher] sending to tracker: %s", message)
	resp, err := wire.Request(l.conn, []byte(message))
	if err != nil {
		return "", proto.Errf(proto.KindTransport, "tracker exchange: %v", err)
	}
	l.log.Debugf("[Leecher] received from tracker: %s", string(resp))

	payload, err := proto.ParseResponse(resp)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Execute runs one shell command. Errors are returned for the shell to
// render in red.
func (l *Leecher) Execute(input string) error {
	tokens := proto.Fields(input)
	if len(tokens) == 0 {
		return nil
	}

	switch tokens[0] {
	case proto.CmdCreateUser:
		return l.passthrough(input, tokens, 3)
	case proto.CmdLogin:
		return l.login(input, tokens)
	case proto.CmdLogout:
		return l.logout()
	case proto.CmdCreateGroup, proto.CmdJoinGroup, proto.CmdLeaveGroup:
		return l.authedPassthrough(input, tokens, 2)
	case proto.CmdListRequests:
		return l.listCommand(input, tokens, 2,
			"There is no pending joinee in the group!!",
			"List of pending requests in the group is as follows : ")
	case proto.CmdListGroups:
		return l.listCommand(input, tokens, 1,
			"There is no group in the system!!",
			"List of groups is as follows : ")
	case proto.CmdListFiles:
		return l.listCommand(input, tokens, 2,
			"There are no files in the group!!",
			"List of files in the group is as follows : ")
	case proto.CmdAcceptRequest:
		return l.authedPassthrough(input, tokens, 3)
	case proto.CmdUploadFile:
		return l.uploadFile(tokens)
	case proto.CmdDownloadFile:
		return l.downloadFile(tokens)
	case proto.CmdStopShare:
		return l.stopShare(tokens)
	case "show_downloads":
		return l.showDownloads(tokens)
	default:
		return proto.Errf(proto.KindValidation, "invalid command %q", tokens[0])
	}
}

// passthrough forwards the command as typed.
func (l *Leecher) passthrough(input string, tokens []string, arity int) error {
	if len(tokens) != arity {
		return proto.Errf(proto.KindValidation, "wrong number of arguments to %s", tokens[0])
	}
	payload, err := l.sendTracker(input)
	if err != nil {
		return err
	}
	ui.Successf("%s", payload)
	return nil
}

// authedPassthrough forwards the command with the session token appended.
func (l *Leecher) authedPassthrough(input string, tokens []string, arity int) error {
	if len(tokens) != arity {
		return proto.Errf(proto.KindValidation, "wrong number of arguments to %s", tokens[0])
	}
	payload, err := l.sendTracker(input + " " + l.token())
	if err != nil {
		return err
	}
	ui.Successf("%s", payload)
	return nil
}

// login appends the advertised seeder endpoint, then strips the token (the
// second whitespace-separated field of the response) before display.
func (l *Leecher) login(input string, tokens []string) error {
	if len(tokens) != 3 {
		return proto.Errf(proto.KindValidation, "usage: login <user> <password>")
	}
	payload, err := l.sendTracker(input + " " + l.seederAddr)
	if err != nil {
		return err
	}

	fields := proto.Fields(payload)
	if len(fields) < 1 {
		return proto.Errf(proto.KindTransport, "malformed login response")
	}
	l.setToken(fields[0])
	ui.Successf("%s", strings.Join(fields[1:], " "))
	return nil
}

func (l *Leecher) logout() error {
	payload, err := l.sendTracker(proto.CmdLogout + " " + l.token())
	if err != nil {
		return err
	}
	l.setToken(noToken)
	ui.Successf("%s", payload)
	return nil
}

// listCommand renders the space-separated listings; an empty payload gets
// the yellow advisory instead of a blank line.
func (l *Leecher) listCommand(input string, tokens []string, arity int, advisory, heading string) error {
	if len(tokens) != arity {
		return proto.Errf(proto.KindValidation, "wrong number of arguments to %s", tokens[0])
	}
	payload, err := l.sendTracker(input + " " + l.token())
	if err != nil {
		return err
	}
	if strings.TrimSpace(payload) == "" {
		ui.Advisef("%s", advisory)
		return nil
	}
	ui.Plainf("%s%s", heading, payload)
	return nil
}

// uploadFile hashes the local file, registers it with the tracker, and then
// marks every piece available so this peer is the seed.
func (l *Leecher) uploadFile(tokens []string) error {
	if len(tokens) != 3 {
		return proto.Errf(proto.KindValidation, "usage: upload_file <path> <group>")
	}
	path, groupName := tokens[1], tokens[2]

	absPath, err := filepath.Abs(path)
	if err != nil {
		return proto.Errf(proto.KindIO, "resolve %s: %v", path, err)
	}
	size, err := hashing.FileSize(absPath)
	if err != nil {
		return proto.Errf(proto.KindIO, "%v", err)
	}
	hashes, err := hashing.FileHashes(absPath)
	if err != nil {
		return proto.Errf(proto.KindIO, "%v", err)
	}

	fileName := filepath.Base(absPath)
	message := fmt.Sprintf("%s %s %s %d %s %s",
		proto.CmdUploadFile, fileName, groupName, size, strings.Join(hashes, " "), l.token())
	payload, err := l.sendTracker(message)
	if err != nil {
		return err
	}

	l.index.AddFilePath(fileName, groupName, absPath)
	for piece := 1; piece <= hashing.PieceCount(size); piece++ {
		l.index.AddPiece(absPath, piece)
	}

	l.log.Infof("[Leecher] file uploaded: file=%s group=%s size=%d", fileName, groupName, size)
	ui.Successf("%s", payload)
	return nil
}

// downloadFile fetches the metadata from the tracker and starts the engine
// in the background; the shell stays responsive while pieces transfer.
func (l *Leecher) downloadFile(tokens []string) error {
	if len(tokens) != 4 {
		return proto.Errf(proto.KindValidation, "usage: download_file <file> <group> <destPath>")
	}
	fileName, groupName, destPath := tokens[1], tokens[2], tokens[3]

	message := fmt.Sprintf("%s %s %s %s", proto.CmdDownloadFile, fileName, groupName, l.token())
	payload, err := l.sendTracker(message)
	if err != nil {
		return err
	}

	plan, err := parseDownloadPayload(payload, fileName, groupName, destPath)
	if err != nil {
		return err
	}
	if len(plan.Seeders) == 0 {
		return proto.Errf(proto.KindValidation, "no seeder is currently online for %s", fileName)
	}

	go func() {
		if err := l.engine.Run(*plan); err != nil {
			l.log.Errorf("[Leecher] download failed: file=%s group=%s err=%v", fileName, groupName, err)
		}
	}()

	ui.Successf("Download of %s started", fileName)
	return nil
}

// parseDownloadPayload unpacks <size> <pieceCount> <sha0..shaN> <ip:port>...
func parseDownloadPayload(payload, fileName, groupName, destPath string) (*DownloadPlan, error) {
	fields := proto.Fields(payload)
	if len(fields) < 2 {
		return nil, proto.Errf(proto.KindTransport, "malformed download response")
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || size < 0 {
		return nil, proto.Errf(proto.KindTransport, "bad file size %q in download response", fields[0])
	}
	pieceCount, err := strconv.Atoi(fields[1])
	if err != nil || pieceCount != hashing.PieceCount(size) {
		return nil, proto.Errf(proto.KindTransport, "bad piece count %q in download response", fields[1])
	}
	if len(fields) < 2+pieceCount+1 {
		return nil, proto.Errf(proto.KindTransport, "download response is missing hashes")
	}

	absDest, err := filepath.Abs(destPath)
	if err != nil {
		return nil, proto.Errf(proto.KindIO, "resolve %s: %v", destPath, err)
	}

	return &DownloadPlan{
		FileName:  fileName,
		GroupName: groupName,
		DestPath:  absDest,
		Size:      size,
		Hashes:    fields[2 : 2+pieceCount+1],
		Seeders:   fields[2+pieceCount+1:],
	}, nil
}

func (l *Leecher) stopShare(tokens []string) error {
	if len(tokens) != 3 {
		return proto.Errf(proto.KindValidation, "usage: stop_share <group> <file>")
	}
	groupName, fileName := tokens[1], tokens[2]

	payload, err := l.sendTracker(fmt.Sprintf("%s %s %s %s", proto.CmdStopShare, groupName, fileName, l.token()))
	if err != nil {
		return err
	}

	l.index.DropFile(fileName, groupName)
	ui.Successf("%s", payload)
	return nil
}

func (l *Leecher) showDownloads(tokens []string) error {
	if len(tokens) != 1 {
		return proto.Errf(proto.KindValidation, "usage: show_downloads")
	}
	entries := l.downloads.List()
	if len(entries) == 0 {
		ui.Advisef("No downloads yet!!")
		return nil
	}
	for _, entry := range entries {
		line := fmt.Sprintf("[%s] %s %s", entry.State, entry.GroupName, entry.FileName)
		switch entry.State {
		case StateDownloaded:
			ui.Successf("%s", line)
		case StateFailed:
			ui.Errorf("%s", line)
		default:
			ui.Plainf("%s", line)
		}
	}
	return nil
}

// Quit logs out if a session is held, ignoring tracker errors on the way
// down, then closes the tracker connection.
func (l *Leecher) Quit() {
	if l.LoggedIn() {
		if err := l.logout(); err != nil {
			l.log.Errorf("[Leecher] logout on quit failed: %v", err)
		}
	}
	l.Close()
	l.log.Infof("[Leecher] quit")
}
