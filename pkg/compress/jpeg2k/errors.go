package jpeg2k

import (
	"errors"
	"fmt"
)

// Error classes. Every decode failure wraps exactly one of these so callers
// can tell a broken stream from a valid stream using features we lack.
var (
	ErrMalformedStream    = errors.New("jpeg2k: malformed codestream")
	ErrUnsupportedFeature = errors.New("jpeg2k: unsupported feature")
)

// Specific decode errors
var (
	ErrTruncated     = fmt.Errorf("%w: truncated data", ErrMalformedStream)
	ErrInvalidMarker = fmt.Errorf("%w: invalid marker", ErrMalformedStream)
	ErrInvalidSIZ    = fmt.Errorf("%w: invalid SIZ marker", ErrMalformedStream)
	ErrInvalidCOD    = fmt.Errorf("%w: invalid COD/COC marker", ErrMalformedStream)
	ErrInvalidQCD    = fmt.Errorf("%w: invalid QCD/QCC marker", ErrMalformedStream)
	ErrInvalidSOT    = fmt.Errorf("%w: invalid SOT marker", ErrMalformedStream)
	ErrMissingEOC    = fmt.Errorf("%w: missing EOC", ErrMalformedStream)
	ErrInvalidPacket = fmt.Errorf("%w: invalid packet", ErrMalformedStream)
	ErrTagTreeDepth  = fmt.Errorf("%w: tag tree too deep", ErrMalformedStream)
)

// Encoder errors
var (
	ErrUnsupportedImage = errors.New("jpeg2k: unsupported image type")
	ErrInvalidOptions   = errors.New("jpeg2k: invalid options")
)
