package uniqueclient

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/uniqued/internal/memseal"
)

// SubmitResult reports the outcome of an inspected submission: whether the
// daemon already held an equivalent blob, the digest it was stored or found
// under, and the handle now held on the caller's behalf.
type SubmitResult struct {
	Hit    bool
	Digest string
	Handle uint32
	Length int64
}

// SubmitInspect runs the synchronous submit path and reports hit/miss and
// the content digest, for diagnostic tooling. Ordinary callers should use
// Submit, whose Buffer contract deliberately hides this distinction.
func (c *Client) SubmitInspect(ctx context.Context, data []byte) (SubmitResult, error) {
	fd, err := memseal.CreateSealed(c.nextName(), data)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("seal content: %w", err)
	}

	digest, length, err := memseal.HashFD(fd)
	if err != nil {
		unix.Close(fd)
		return SubmitResult{}, fmt.Errorf("digest content: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultSyncTimeout)
	defer cancel()

	fds, handle, ok := c.callMakeUnique(callCtx, fd)
	unix.Close(fd)
	if !ok {
		return SubmitResult{}, fmt.Errorf("MakeUnique call failed")
	}

	hit := len(fds) > 0
	for _, respFD := range fds {
		unix.Close(int(respFD))
	}

	return SubmitResult{Hit: hit, Digest: digest, Handle: handle, Length: length}, nil
}
