package wire

import "errors"

// Protocol errors. A frame that trips any of these is discarded whole;
// decoding never yields a partial message.
var (
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrMessageTooLarge  = errors.New("declared payload exceeds message size limit")
	ErrMalformedPayload = errors.New("malformed payload")
)
