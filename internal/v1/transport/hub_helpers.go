package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/curasync/collab-gateway/internal/v1/auth"
	"github.com/curasync/collab-gateway/internal/v1/logging"
	"github.com/curasync/collab-gateway/internal/v1/protocol"
)

// extractToken pulls the JWT from the "token" query parameter or the
// Authorization bearer header. Query takes priority: browser WebSocket
// clients cannot set custom headers.
func extractToken(c *gin.Context) (string, error) {
	if token := c.Query("token"); token != "" {
		return token, nil
	}

	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	logging.Warn(c.Request.Context(), "No token provided in request")
	return "", fmt.Errorf("token not provided")
}

// authErrorCode maps validator sentinel errors to catalog codes.
func authErrorCode(err error) protocol.Code {
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		return protocol.CodeJWTMissing
	case errors.Is(err, auth.ErrTokenExpired):
		return protocol.CodeJWTExpired
	default:
		return protocol.CodeJWTInvalid
	}
}

// writeAuthError rejects the handshake with 401 and the catalog error as
// the body, so clients surface it as a connect error.
func writeAuthError(c *gin.Context, code protocol.Code) {
	c.JSON(http.StatusUnauthorized, protocol.NewError(code))
}

// validateOrigin checks the request origin against the allowed list. An
// absent Origin header means a non-browser client and is allowed; "*" in
// the list allows everything.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return nil
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
