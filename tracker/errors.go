package tracker

import (
	"errors"
	"fmt"
)

// ErrProtocol is wrapped by every error caused by a peer misusing the protocol. The connection that
// sent the message should be closed.
var ErrProtocol = errors.New("tracker protocol error")

func protocolError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, a...))
}
