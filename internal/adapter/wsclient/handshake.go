package wsclient

import (
	"fmt"
	"net/http"
	"strconv"

	"larkstream/internal/domain"
)

// Handshake status codes carried in the upgrade response.
const (
	handshakeForbidden  = 403
	handshakeAuthFailed = 514
)

// classifyDialError maps a failed WebSocket dial to the error taxonomy.
// The server may reject the upgrade with handshake-status/handshake-msg
// headers; without them the failure is a connectivity problem.
func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		if raw := resp.Header.Get(domain.HeaderHandshakeStatus); raw != "" {
			msg := resp.Header.Get(domain.HeaderHandshakeMsg)
			code, convErr := strconv.Atoi(raw)
			if convErr != nil {
				return domain.NewServerError(resp.StatusCode, fmt.Sprintf("handshake-status %q: %s", raw, msg))
			}
			switch code {
			case handshakeForbidden, handshakeAuthFailed:
				return domain.NewClientError(code, msg)
			default:
				return domain.NewServerError(code, msg)
			}
		}
	}
	return fmt.Errorf("%w: dial: %v", domain.ErrConnectivity, err)
}
