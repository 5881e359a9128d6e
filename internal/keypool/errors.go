package keypool

import (
	"errors"
	"fmt"

	"keyrelay/internal/security"
)

// Selection failures. The relay maps all of these to HTTP 429.
var (
	ErrPoolEmpty   = errors.New("no credentials in pool")
	ErrNoneEnabled = errors.New("no enabled credentials available")
)

// RateLimitedError is returned when the selected credential has exhausted its
// request budget for the current window. Selection does not fall back to the
// next-best candidate.
type RateLimitedError struct {
	Key string
	RPM int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("credential %s exceeded rate limit of %d requests per minute", security.MaskAPIKey(e.Key), e.RPM)
}
