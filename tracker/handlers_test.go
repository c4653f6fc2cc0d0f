package tracker

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nevil1324/P2P/pkg/hashing"
	"github.com/nevil1324/P2P/pkg/logger"
	"github.com/nevil1324/P2P/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(tokenTTL time.Duration) *Tracker {
	return New("127.0.0.1:0", "test-secret", tokenTTL, logger.Nop())
}

// run executes a command and returns the success payload.
func run(t *testing.T, tr *Tracker, format string, args ...any) string {
	t.Helper()
	payload, err := proto.ParseResponse(tr.Execute(fmt.Sprintf(format, args...)))
	require.NoError(t, err)
	return string(payload)
}

// runErr executes a command and returns the error payload.
func runErr(t *testing.T, tr *Tracker, format string, args ...any) error {
	t.Helper()
	_, err := proto.ParseResponse(tr.Execute(fmt.Sprintf(format, args...)))
	require.Error(t, err)
	return err
}

// loginUser creates (if needed) and logs in a user, returning the token.
func loginUser(t *testing.T, tr *Tracker, user, endpoint string) string {
	t.Helper()
	tr.Execute(fmt.Sprintf("create_user %s pwd", user))
	payload := run(t, tr, "login %s pwd %s", user, endpoint)
	fields := strings.Fields(payload)
	require.NotEmpty(t, fields)
	return fields[0]
}

func TestCreateUserDuplicate(t *testing.T) {
	tr := newTestTracker(time.Hour)
	run(t, tr, "create_user alice pwd")
	err := runErr(t, tr, "create_user alice other")
	assert.Contains(t, err.Error(), "already exists")
}

func TestLoginBadCredentials(t *testing.T) {
	tr := newTestTracker(time.Hour)
	run(t, tr, "create_user alice pwd")

	err := runErr(t, tr, "login alice wrong 127.0.0.1:7001")
	assert.Contains(t, err.Error(), "credentials")

	err = runErr(t, tr, "login nobody pwd 127.0.0.1:7001")
	assert.Contains(t, err.Error(), "credentials")
}

func TestLoginRecordsEndpoint(t *testing.T) {
	tr := newTestTracker(time.Hour)
	loginUser(t, tr, "alice", "127.0.0.1:7001")

	endpoint, ok := tr.state.endpoint("alice")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7001", endpoint)
}

func TestGroupStateMachine(t *testing.T) {
	tr := newTestTracker(time.Hour)
	admin := loginUser(t, tr, "alice", "127.0.0.1:7001")
	joiner := loginUser(t, tr, "bob", "127.0.0.1:7002")

	run(t, tr, "create_group g1 %s", admin)

	// none -> pending
	run(t, tr, "join_group g1 %s", joiner)
	err := runErr(t, tr, "join_group g1 %s", joiner)
	assert.Contains(t, err.Error(), "pending")

	// leave from pending is an error
	err = runErr(t, tr, "leave_group g1 %s", joiner)
	assert.Contains(t, err.Error(), "not a participant")

	// pending -> participant
	run(t, tr, "accept_request g1 bob %s", admin)
	assert.Equal(t, "", run(t, tr, "list_requests g1 %s", admin))
	err = runErr(t, tr, "join_group g1 %s", joiner)
	assert.Contains(t, err.Error(), "already a participant")

	// participant -> none
	run(t, tr, "leave_group g1 %s", joiner)
	err = runErr(t, tr, "leave_group g1 %s", joiner)
	assert.Contains(t, err.Error(), "not a participant")
}

func TestAdminEnforcement(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	u2 := loginUser(t, tr, "u2", "127.0.0.1:7002")
	u3 := loginUser(t, tr, "u3", "127.0.0.1:7003")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "join_group g %s", u3)
	run(t, tr, "accept_request g u3 %s", u1)
	run(t, tr, "join_group g %s", u2)

	// u3 is a participant but not the admin.
	err := runErr(t, tr, "accept_request g u2 %s", u3)
	assert.Contains(t, err.Error(), "authorized")
	err = runErr(t, tr, "list_requests g %s", u3)
	assert.Contains(t, err.Error(), "authorized")

	// The failed attempts must not have mutated state.
	assert.Equal(t, "u2", run(t, tr, "list_requests g %s", u1))

	run(t, tr, "accept_request g u2 %s", u1)
	tr.state.groupsMu.Lock()
	group := tr.state.groups["g"]
	assert.True(t, group.IsParticipant("u2"))
	_, pending := group.Pending["u2"]
	assert.False(t, pending)
	tr.state.groupsMu.Unlock()
}

func TestAdminPromotionOnLeave(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	u2 := loginUser(t, tr, "u2", "127.0.0.1:7002")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "join_group g %s", u2)
	run(t, tr, "accept_request g u2 %s", u1)

	run(t, tr, "leave_group g %s", u1)

	tr.state.groupsMu.Lock()
	assert.Equal(t, "u2", tr.state.groups["g"].Admin())
	tr.state.groupsMu.Unlock()

	// u2 can now exercise admin-only commands.
	run(t, tr, "list_requests g %s", u2)
}

func TestTokenExpiry(t *testing.T) {
	tr := newTestTracker(time.Second)
	tok := loginUser(t, tr, "alice", "127.0.0.1:7001")

	run(t, tr, "create_group g %s", tok)

	time.Sleep(2 * time.Second)
	err := runErr(t, tr, "create_group g2 %s", tok)
	assert.Contains(t, err.Error(), "token")

	tr.state.groupsMu.Lock()
	_, exists := tr.state.groups["g2"]
	tr.state.groupsMu.Unlock()
	assert.False(t, exists, "expired command must not mutate state")
}

func TestLogoutRevokesToken(t *testing.T) {
	tr := newTestTracker(time.Hour)
	tok := loginUser(t, tr, "alice", "127.0.0.1:7001")

	run(t, tr, "logout %s", tok)

	// The HMAC is still valid until expiry; the revocation set must reject it.
	err := runErr(t, tr, "create_group g %s", tok)
	assert.Contains(t, err.Error(), "token")

	_, ok := tr.state.endpoint("alice")
	assert.False(t, ok)
}

func uploadArgs(size int64) string {
	n := hashing.PieceCount(size)
	hashes := make([]string, n+1)
	for i := range hashes {
		hashes[i] = fmt.Sprintf("%064d", i)
	}
	return fmt.Sprintf("%d %s", size, strings.Join(hashes, " "))
}

func TestUploadIdempotentAndConflict(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	u2 := loginUser(t, tr, "u2", "127.0.0.1:7002")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "join_group g %s", u2)
	run(t, tr, "accept_request g u2 %s", u1)

	args := uploadArgs(3500)
	run(t, tr, "upload_file f.bin g %s %s", args, u1)

	// Same hashes again: benign, adds the advertiser.
	run(t, tr, "upload_file f.bin g %s %s", args, u1)
	run(t, tr, "upload_file f.bin g %s %s", args, u2)

	tr.state.groupsMu.Lock()
	assert.Len(t, tr.state.groups["g"].Files["f.bin"].Advertisers, 2)
	tr.state.groupsMu.Unlock()

	// Different content for the same name is a conflict.
	conflicting := strings.Replace(args, fmt.Sprintf("%064d", 1), strings.Repeat("f", 64), 1)
	err := runErr(t, tr, "upload_file f.bin g %s %s", conflicting, u2)
	assert.Contains(t, err.Error(), "different content")
}

func TestUploadHashArityChecked(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	run(t, tr, "create_group g %s", u1)

	// 3500 bytes needs 5 hashes; send 3.
	err := runErr(t, tr, "upload_file f.bin g 3500 %s %s %s %s",
		strings.Repeat("a", 64), strings.Repeat("b", 64), strings.Repeat("c", 64), u1)
	assert.Contains(t, err.Error(), "hashes")
}

func TestDownloadFilePayload(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	u2 := loginUser(t, tr, "u2", "127.0.0.1:7002")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "join_group g %s", u2)
	run(t, tr, "accept_request g u2 %s", u1)
	run(t, tr, "upload_file f.bin g %s %s", uploadArgs(3500), u1)

	payload := run(t, tr, "download_file f.bin g %s", u2)
	fields := strings.Fields(payload)
	require.Len(t, fields, 2+5+1)
	assert.Equal(t, "3500", fields[0])
	assert.Equal(t, "4", fields[1])
	assert.Equal(t, "127.0.0.1:7001", fields[len(fields)-1])
}

func TestDownloadFileRequiresParticipant(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	outsider := loginUser(t, tr, "mallory", "127.0.0.1:7002")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "upload_file f.bin g %s %s", uploadArgs(100), u1)

	err := runErr(t, tr, "download_file f.bin g %s", outsider)
	assert.Contains(t, err.Error(), "not a participant")
}

func TestStopShareDropsEmptyRegistry(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "upload_file f.bin g %s %s", uploadArgs(100), u1)
	run(t, tr, "stop_share g f.bin %s", u1)

	tr.state.groupsMu.Lock()
	_, exists := tr.state.groups["g"].Files["f.bin"]
	tr.state.groupsMu.Unlock()
	assert.False(t, exists)

	err := runErr(t, tr, "stop_share g f.bin %s", u1)
	assert.Contains(t, err.Error(), "not found")
}

func TestLeaveGroupWithdrawsAdvertisements(t *testing.T) {
	tr := newTestTracker(time.Hour)
	u1 := loginUser(t, tr, "u1", "127.0.0.1:7001")
	u2 := loginUser(t, tr, "u2", "127.0.0.1:7002")

	run(t, tr, "create_group g %s", u1)
	run(t, tr, "join_group g %s", u2)
	run(t, tr, "accept_request g u2 %s", u1)
	run(t, tr, "upload_file solo.bin g %s %s", uploadArgs(100), u1)
	run(t, tr, "upload_file both.bin g %s %s", uploadArgs(200), u1)
	run(t, tr, "upload_file both.bin g %s %s", uploadArgs(200), u2)

	run(t, tr, "leave_group g %s", u1)

	tr.state.groupsMu.Lock()
	files := tr.state.groups["g"].Files
	_, soloExists := files["solo.bin"]
	both := files["both.bin"]
	tr.state.groupsMu.Unlock()

	assert.False(t, soloExists, "file with no remaining advertiser is dropped")
	require.NotNil(t, both)
	_, u1Advertises := both.Advertisers["u1"]
	assert.False(t, u1Advertises)
}

func TestUnknownVerbAndArity(t *testing.T) {
	tr := newTestTracker(time.Hour)

	err := runErr(t, tr, "frobnicate x y")
	assert.Contains(t, err.Error(), "unknown command")

	err = runErr(t, tr, "create_user alice")
	assert.Contains(t, err.Error(), "usage")

	err = runErr(t, tr, "")
	assert.Contains(t, err.Error(), "empty command")
}
