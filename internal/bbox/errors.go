package bbox

import "errors"

// ErrTruncated indicates a binary frame ended before all of its
// declared fields could be read — a truncated Frame on the wire.
var ErrTruncated = errors.New("bbox: truncated wire data")
