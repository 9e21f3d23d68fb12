package cf

import (
	"errors"
	"fmt"
)

// ChallengeError is returned when a site answers with an anti-bot challenge
type ChallengeError struct {
	URL        string
	StatusCode int
	Indicators []string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("cf_challenge: status=%d url=%s", e.StatusCode, e.URL)
}

// IsChallenge checks if an error is (or wraps) a ChallengeError
func IsChallenge(err error) (*ChallengeError, bool) {
	var cfErr *ChallengeError
	if errors.As(err, &cfErr) {
		return cfErr, true
	}
	return nil, false
}
