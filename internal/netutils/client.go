package netutils

import (
	"net/http"
	"time"
)

// NewClient returns an http.Client with a bounded request timeout so a dead
// agent cannot wedge a dispatch goroutine.
func NewClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// DefaultClient is shared by callers that do not need their own timeout.
var DefaultClient = NewClient()
