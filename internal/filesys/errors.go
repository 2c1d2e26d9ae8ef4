package filesys

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/lcloud/internal/filetable"
)

// ErrUsage matches every error returned before any device I/O was attempted.
var ErrUsage = filetable.ErrUsage

var (
	ErrNotPoweredOn = errors.New("session is not powered on")
	ErrOutOfRange   = fmt.Errorf("%w: read extends past end of file", ErrUsage)
)
