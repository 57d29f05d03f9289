package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

// Errors surfaced by the vault and carried between nodes as protocol codes.
var (
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrHashMismatch     = errors.New("hash mismatch")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("version conflict")
	ErrPeerTimeout      = errors.New("peer timeout")
	ErrTransferFailure  = errors.New("transfer failure")
	ErrRejected         = errors.New("rejected")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNoAccount        = errors.New("no account")
	ErrStopped          = errors.New("vault stopped")
)

var codes = []struct {
	err  error
	code protocol.ErrorCode
}{
	{ErrQuotaExceeded, protocol.CodeQuotaExceeded},
	{ErrCapacityExceeded, protocol.CodeCapacityExceeded},
	{ErrHashMismatch, protocol.CodeHashMismatch},
	{ErrNotFound, protocol.CodeNotFound},
	{ErrConflict, protocol.CodeConflict},
	{ErrPeerTimeout, protocol.CodePeerTimeout},
	{ErrTransferFailure, protocol.CodeTransferFailure},
	{ErrRejected, protocol.CodeRejected},
	{ErrInvalidRequest, protocol.CodeInvalidRequest},
	{ErrNoAccount, protocol.CodeNoAccount},
}

// codeOf maps an error to its wire code. Unknown errors become rejected.
func codeOf(err error) protocol.ErrorCode {
	if err == nil {
		return protocol.CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return protocol.CodeRejected
}

// errorOf rebuilds an error from a wire code, keeping the remote detail.
func errorOf(code protocol.ErrorCode, detail string) error {
	if code == protocol.CodeOK {
		return nil
	}
	base := ErrRejected
	for _, c := range codes {
		if c.code == code {
			base = c.err
			break
		}
	}
	detail = strings.TrimPrefix(detail, base.Error()+": ")
	if detail == "" || detail == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// replyError converts a non-OK reply to an error.
func replyError(r *protocol.ReplyPayload) error {
	return errorOf(r.Code, r.Error)
}
