package tracker

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/nevil1324/P2P/pkg/hashing"
	"github.com/nevil1324/P2P/pkg/proto"
)

// Execute runs one command line against the tracker state and returns the
// framed response payload. Every failure is caught here and rendered as
// "Error: <reason>"; nothing a client sends is fatal to the tracker.
func (t *Tracker) Execute(command string) []byte {
	payload, err := t.dispatch(command)
	if err != nil {
		return proto.Failure(err)
	}
	return proto.Success(payload)
}

func (t *Tracker) dispatch(command string) (string, error) {
	tokens := proto.Fields(command)
	if len(tokens) == 0 {
		return "", proto.Errf(proto.KindValidation, "empty command")
	}

	switch tokens[0] {
	case proto.CmdCreateUser:
		return t.createUser(tokens[1:])
	case proto.CmdLogin:
		return t.login(tokens[1:])
	case proto.CmdLogout:
		return t.logout(tokens[1:])
	case proto.CmdCreateGroup:
		return t.createGroup(tokens[1:])
	case proto.CmdJoinGroup:
		return t.joinGroup(tokens[1:])
	case proto.CmdLeaveGroup:
		return t.leaveGroup(tokens[1:])
	case proto.CmdListRequests:
		return t.listRequests(tokens[1:])
	case proto.CmdAcceptRequest:
		return t.acceptRequest(tokens[1:])
	case proto.CmdListGroups:
		return t.listGroups(tokens[1:])
	case proto.CmdListFiles:
		return t.listFiles(tokens[1:])
	case proto.CmdUploadFile:
		return t.uploadFile(tokens[1:])
	case proto.CmdDownloadFile:
		return t.downloadFile(tokens[1:])
	case proto.CmdStopShare:
		return t.stopShare(tokens[1:])
	default:
		return "", proto.Errf(proto.KindValidation, "unknown command %q", tokens[0])
	}
}

// authenticate validates the trailing token of a command and returns the
// bound user. Revoked and expired tokens fail identically.
func (t *Tracker) authenticate(tok string) (*User, error) {
	if t.state.isRevoked(tok) {
		return nil, proto.Errf(proto.KindAuth, "invalid/expired token")
	}
	userName, err := t.minter.Validate(tok)
	if err != nil {
		return nil, proto.Errf(proto.KindAuth, "invalid/expired token")
	}
	user, ok := t.state.user(userName)
	if !ok {
		return nil, proto.Errf(proto.KindAuth, "invalid/expired token")
	}
	return user, nil
}

func (t *Tracker) createUser(args []string) (string, error) {
	if len(args) != 2 {
		return "", proto.Errf(proto.KindValidation, "usage: create_user <user> <password>")
	}
	name, password := args[0], args[1]

	t.state.usersMu.Lock()
	defer t.state.usersMu.Unlock()
	if _, exists := t.state.users[name]; exists {
		return "", proto.Errf(proto.KindValidation, "user %s already exists", name)
	}
	t.state.users[name] = &User{Name: name, Password: password, Groups: make(map[string]struct{})}

	t.log.Infof("[Tracker] user created: user=%s", name)
	return fmt.Sprintf("User %s created", name), nil
}

// login verifies credentials, mints a token and records the advertised
// seeder endpoint. The token is the second whitespace-separated field of the
// full response; the leecher strips it before display.
func (t *Tracker) login(args []string) (string, error) {
	if len(args) != 3 {
		return "", proto.Errf(proto.KindValidation, "usage: login <user> <password> <ip:port>")
	}
	name, password, endpoint := args[0], args[1], args[2]
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return "", proto.Errf(proto.KindValidation, "bad seeder endpoint %q", endpoint)
	}

	t.state.usersMu.Lock()
	user, exists := t.state.users[name]
	t.state.usersMu.Unlock()
	if !exists || user.Password != password {
		return "", proto.Errf(proto.KindAuth, "bad credentials")
	}

	tok := t.minter.Mint(name)

	t.state.sessionsMu.Lock()
	t.state.endpoints[name] = endpoint
	t.state.sessionsMu.Unlock()

	t.log.Infof("[Tracker] login: user=%s seeder=%s", name, endpoint)
	return fmt.Sprintf("%s User %s logged in", tok, name), nil
}

func (t *Tracker) logout(args []string) (string, error) {
	if len(args) != 1 {
		return "", proto.Errf(proto.KindValidation, "usage: logout <token>")
	}
	user, err := t.authenticate(args[0])
	if err != nil {
		return "", err
	}

	// The HMAC stays verifiable until expiry, so logout both forgets the
	// endpoint and revokes the presented token.
	t.state.sessionsMu.Lock()
	delete(t.state.endpoints, user.Name)
	t.state.revoked[args[0]] = struct{}{}
	t.state.sessionsMu.Unlock()

	t.log.Infof("[Tracker] logout: user=%s", user.Name)
	return fmt.Sprintf("User %s logged out", user.Name), nil
}

func (t *Tracker) createGroup(args []string) (string, error) {
	if len(args) != 2 {
		return "", proto.Errf(proto.KindValidation, "usage: create_group <group> <token>")
	}
	groupName := args[0]
	user, err := t.authenticate(args[1])
	if err != nil {
		return "", err
	}

	// Lock order: users before groups, everywhere.
	t.state.usersMu.Lock()
	defer t.state.usersMu.Unlock()
	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	if _, exists := t.state.groups[groupName]; exists {
		return "", proto.Errf(proto.KindValidation, "group %s already exists", groupName)
	}
	t.state.groups[groupName] = &Group{
		Name:         groupName,
		Participants: []string{user.Name},
		Pending:      make(map[string]struct{}),
		Files:        make(map[string]*File),
	}
	user.Groups[groupName] = struct{}{}

	t.log.Infof("[Tracker] group created: group=%s admin=%s", groupName, user.Name)
	return fmt.Sprintf("Group %s created", groupName), nil
}

func (t *Tracker) joinGroup(args []string) (string, error) {
	if len(args) != 2 {
		return "", proto.Errf(proto.KindValidation, "usage: join_group <group> <token>")
	}
	groupName := args[0]
	user, err := t.authenticate(args[1])
	if err != nil {
		return "", err
	}

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if group.IsParticipant(user.Name) {
		return "", proto.Errf(proto.KindValidation, "already a participant of %s", groupName)
	}
	if _, pending := group.Pending[user.Name]; pending {
		return "", proto.Errf(proto.KindValidation, "join request already pending for %s", groupName)
	}
	group.Pending[user.Name] = struct{}{}

	t.log.Infof("[Tracker] join requested: group=%s user=%s", groupName, user.Name)
	return fmt.Sprintf("Join request for %s sent", groupName), nil
}

func (t *Tracker) listRequests(args []string) (string, error) {
	if len(args) != 2 {
		return "", proto.Errf(proto.KindValidation, "usage: list_requests <group> <token>")
	}
	groupName := args[0]
	user, err := t.authenticate(args[1])
	if err != nil {
		return "", err
	}

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if group.Admin() != user.Name {
		return "", proto.Errf(proto.KindAuth, "only the group admin is authorized to list requests")
	}

	pending := make([]string, 0, len(group.Pending))
	for name := range group.Pending {
		pending = append(pending, name)
	}
	sort.Strings(pending)
	return strings.Join(pending, " "), nil
}

func (t *Tracker) acceptRequest(args []string) (string, error) {
	if len(args) != 3 {
		return "", proto.Errf(proto.KindValidation, "usage: accept_request <group> <user> <token>")
	}
	groupName, pendingName := args[0], args[1]
	user, err := t.authenticate(args[2])
	if err != nil {
		return "", err
	}

	t.state.usersMu.Lock()
	defer t.state.usersMu.Unlock()
	pendingUser, userExists := t.state.users[pendingName]

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if group.Admin() != user.Name {
		return "", proto.Errf(proto.KindAuth, "only the group admin is authorized to accept requests")
	}
	if _, pending := group.Pending[pendingName]; !pending || !userExists {
		return "", proto.Errf(proto.KindValidation, "no pending request from %s", pendingName)
	}

	delete(group.Pending, pendingName)
	group.Participants = append(group.Participants, pendingName)
	pendingUser.Groups[groupName] = struct{}{}

	t.log.Infof("[Tracker] request accepted: group=%s user=%s by=%s", groupName, pendingName, user.Name)
	return fmt.Sprintf("User %s added to %s", pendingName, groupName), nil
}

func (t *Tracker) listGroups(args []string) (string, error) {
	if len(args) != 1 {
		return "", proto.Errf(proto.KindValidation, "usage: list_groups <token>")
	}
	if _, err := t.authenticate(args[0]); err != nil {
		return "", err
	}

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	names := make([]string, 0, len(t.state.groups))
	for name := range t.state.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " "), nil
}

// leaveGroup removes the caller from the group, withdraws every file the
// caller advertises there, and promotes the next participant when the admin
// leaves.
func (t *Tracker) leaveGroup(args []string) (string, error) {
	if len(args) != 2 {
		return "", proto.Errf(proto.KindValidation, "usage: leave_group <group> <token>")
	}
	groupName := args[0]
	user, err := t.authenticate(args[1])
	if err != nil {
		return "", err
	}

	t.state.usersMu.Lock()
	defer t.state.usersMu.Unlock()
	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if !group.IsParticipant(user.Name) {
		return "", proto.Errf(proto.KindValidation, "not a participant of %s", groupName)
	}

	participants := group.Participants[:0]
	for _, p := range group.Participants {
		if p != user.Name {
			participants = append(participants, p)
		}
	}
	group.Participants = participants

	for fileName, file := range group.Files {
		delete(file.Advertisers, user.Name)
		if len(file.Advertisers) == 0 {
			delete(group.Files, fileName)
		}
	}

	delete(user.Groups, groupName)

	t.log.Infof("[Tracker] left group: group=%s user=%s admin=%s", groupName, user.Name, group.Admin())
	return fmt.Sprintf("Left group %s", groupName), nil
}

func (t *Tracker) listFiles(args []string) (string, error) {
	if len(args) != 2 {
		return "", proto.Errf(proto.KindValidation, "usage: list_files <group> <token>")
	}
	groupName := args[0]
	user, err := t.authenticate(args[1])
	if err != nil {
		return "", err
	}

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if !group.IsParticipant(user.Name) {
		return "", proto.Errf(proto.KindValidation, "not a participant of %s", groupName)
	}

	names := make([]string, 0, len(group.Files))
	for name := range group.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " "), nil
}

// uploadFile registers a file, or adds the caller to the advertiser set of
// an existing one. The first uploader fixes size and hashes; later uploaders
// must present a matching vector.
func (t *Tracker) uploadFile(args []string) (string, error) {
	// fileName group size sha0 sha1 ... shaN token
	if len(args) < 5 {
		return "", proto.Errf(proto.KindValidation, "usage: upload_file <file> <group> <size> <sha...> <token>")
	}
	fileName, groupName := args[0], args[1]
	size, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || size < 0 {
		return "", proto.Errf(proto.KindValidation, "bad file size %q", args[2])
	}
	hashes := args[3 : len(args)-1]
	user, err := t.authenticate(args[len(args)-1])
	if err != nil {
		return "", err
	}

	if want := hashing.PieceCount(size) + 1; len(hashes) != want {
		return "", proto.Errf(proto.KindValidation, "expected %d hashes for %d bytes, got %d", want, size, len(hashes))
	}

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if !group.IsParticipant(user.Name) {
		return "", proto.Errf(proto.KindValidation, "not a participant of %s", groupName)
	}

	file, exists := group.Files[fileName]
	if exists {
		if file.Size != size || !equalHashes(file.Hashes, hashes) {
			return "", proto.Errf(proto.KindConsistency, "file %s already registered with different content", fileName)
		}
		file.Advertisers[user.Name] = struct{}{}
	} else {
		group.Files[fileName] = &File{
			Name:        fileName,
			Size:        size,
			Hashes:      append([]string(nil), hashes...),
			Advertisers: map[string]struct{}{user.Name: {}},
		}
	}

	t.log.Infof("[Tracker] file advertised: group=%s file=%s size=%d by=%s", groupName, fileName, size, user.Name)
	return fmt.Sprintf("File %s advertised in %s", fileName, groupName), nil
}

// downloadFile returns the file metadata and the advertised seeder endpoint
// of every advertiser that currently has one:
//
//	<size> <pieceCount> <sha0> ... <shaN> <ip:port>...
func (t *Tracker) downloadFile(args []string) (string, error) {
	if len(args) != 3 {
		return "", proto.Errf(proto.KindValidation, "usage: download_file <file> <group> <token>")
	}
	fileName, groupName := args[0], args[1]
	user, err := t.authenticate(args[2])
	if err != nil {
		return "", err
	}

	t.state.groupsMu.Lock()
	group, exists := t.state.groups[groupName]
	if !exists {
		t.state.groupsMu.Unlock()
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	if !group.IsParticipant(user.Name) {
		t.state.groupsMu.Unlock()
		return "", proto.Errf(proto.KindValidation, "not a participant of %s", groupName)
	}
	file, exists := group.Files[fileName]
	if !exists {
		t.state.groupsMu.Unlock()
		return "", proto.Errf(proto.KindValidation, "file %s not found in %s", fileName, groupName)
	}
	size := file.Size
	hashes := append([]string(nil), file.Hashes...)
	advertisers := make([]string, 0, len(file.Advertisers))
	for name := range file.Advertisers {
		advertisers = append(advertisers, name)
	}
	t.state.groupsMu.Unlock()
	sort.Strings(advertisers)

	var fields []string
	fields = append(fields, strconv.FormatInt(size, 10), strconv.Itoa(len(hashes)-1))
	fields = append(fields, hashes...)
	for _, name := range advertisers {
		if endpoint, ok := t.state.endpoint(name); ok {
			fields = append(fields, endpoint)
		}
	}

	t.log.Infof("[Tracker] download info served: group=%s file=%s seeders=%d to=%s",
		groupName, fileName, len(fields)-2-len(hashes), user.Name)
	return strings.Join(fields, " "), nil
}

func (t *Tracker) stopShare(args []string) (string, error) {
	if len(args) != 3 {
		return "", proto.Errf(proto.KindValidation, "usage: stop_share <group> <file> <token>")
	}
	groupName, fileName := args[0], args[1]
	user, err := t.authenticate(args[2])
	if err != nil {
		return "", err
	}

	t.state.groupsMu.Lock()
	defer t.state.groupsMu.Unlock()
	group, exists := t.state.groups[groupName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "group %s does not exist", groupName)
	}
	file, exists := group.Files[fileName]
	if !exists {
		return "", proto.Errf(proto.KindValidation, "file %s not found in %s", fileName, groupName)
	}
	if _, sharing := file.Advertisers[user.Name]; !sharing {
		return "", proto.Errf(proto.KindValidation, "not sharing %s in %s", fileName, groupName)
	}

	delete(file.Advertisers, user.Name)
	if len(file.Advertisers) == 0 {
		delete(group.Files, fileName)
	}

	t.log.Infof("[Tracker] stopped sharing: group=%s file=%s by=%s", groupName, fileName, user.Name)
	return fmt.Sprintf("Stopped sharing %s in %s", fileName, groupName), nil
}

func equalHashes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
