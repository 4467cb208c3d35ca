package websocket

import (
	"log/slog"

	"github.com/wailbentafat/ws-stomp-bridge/logging"
)

// logger is the package-level logger for the websocket package. It is looked
// up on each call so it follows the default installed by logging.InitLogger.
func logger() *slog.Logger {
	return logging.Component("websocket")
}
