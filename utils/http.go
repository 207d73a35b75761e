// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by outbound integrations (mail relay).
var HTTPClient = &http.Client{
	Timeout: 10 * time.Second,
}
