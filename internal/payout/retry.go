package payout

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// StatusError is returned by HTTPRail for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payout rail returned status %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether a submission error is transient. Rejections
// by the rail (4xx other than 429) are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return isRetryableStatus(err) || isRetryableNetwork(err) || isRetryableSystem(err)
}

func isRetryableStatus(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 500 || se.Code == http.StatusTooManyRequests
}

func isRetryableNetwork(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableSystem(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
