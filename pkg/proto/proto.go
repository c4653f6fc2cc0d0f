// Package proto defines the text command protocol shared by the tracker, the
// seeder and the leecher: verbs, the Success/Error response envelope, and the
// structured error values the handlers raise.
package proto

import (
	"fmt"
	"strings"
)

// PieceSize is the fixed piece size P in bytes. The last piece of a file may
// be shorter. Piece i (1-based) covers file bytes [(i-1)*PieceSize, i*PieceSize).
const PieceSize = 1024

// Tracker verbs.
const (
	CmdCreateUser    = "create_user"
	CmdLogin         = "login"
	CmdLogout        = "logout"
	CmdCreateGroup   = "create_group"
	CmdJoinGroup     = "join_group"
	CmdLeaveGroup    = "leave_group"
	CmdListRequests  = "list_requests"
	CmdAcceptRequest = "accept_request"
	CmdListGroups    = "list_groups"
	CmdListFiles     = "list_files"
	CmdUploadFile    = "upload_file"
	CmdDownloadFile  = "download_file"
	CmdStopShare     = "stop_share"
)

// Seeder verbs.
const (
	CmdGivePieceInfo = "give_piece_info"
	CmdGivePiece     = "give_piece"
)

const (
	successPrefix = "Success: "
	errorPrefix   = "Error: "
)

// Kind classifies an error by failure domain, not by Go type.
type Kind string

const (
	KindTransport   Kind = "transport"
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindConsistency Kind = "consistency"
	KindIO          Kind = "io"
)

// Error is the structured error raised at the point of detection and caught
// at the per-command boundary, where it is rendered as "Error: <message>".
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errf builds a protocol error of the given kind.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Success wraps a payload in the success envelope.
func Success(payload string) []byte {
	return []byte(successPrefix + payload)
}

// Failure wraps an error in the error envelope.
func Failure(err error) []byte {
	return []byte(errorPrefix + err.Error())
}

// ParseResponse splits a response into its payload, surfacing the error
// envelope as an error. The payload may be binary (piece bytes), so the
// prefix is stripped by length, not by field splitting.
func ParseResponse(resp []byte) ([]byte, error) {
	s := string(resp)
	switch {
	case strings.HasPrefix(s, successPrefix):
		return resp[len(successPrefix):], nil
	case strings.HasPrefix(s, errorPrefix):
		return nil, Errf(KindValidation, "%s", s[len(errorPrefix):])
	default:
		return nil, Errf(KindTransport, "malformed response: %q", truncate(s, 64))
	}
}

// Fields splits a text command or payload on whitespace, dropping empties.
func Fields(s string) []string {
	return strings.Fields(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
