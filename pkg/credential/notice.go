package credential

import (
	"context"

	"github.com/charmbracelet/log"
)

// Notice is a user-facing condition raised while preparing credentials.
type Notice int

const (
	NoticeServerUnavailable Notice = iota + 1
	NoticeTokenParseFailed
	NoticeTokenValidationFailed
)

func (n Notice) String() string {
	switch n {
	case NoticeServerUnavailable:
		return "server_unavailable"
	case NoticeTokenParseFailed:
		return "token_parse_failed"
	case NoticeTokenValidationFailed:
		return "token_validation_failed"
	default:
		return "unknown"
	}
}

// Message returns the text shown to users.
func (n Notice) Message() string {
	switch n {
	case NoticeServerUnavailable:
		return "The module server is down. Modules cannot be downloaded or listed from this repository until it is back. Please try again later."
	case NoticeTokenParseFailed:
		return "Failed to parse the token returned by the module server."
	case NoticeTokenValidationFailed:
		return "The module server issued a token that could not be validated."
	default:
		return ""
	}
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice Notice)

func (f NotifierFunc) Notify(ctx context.Context, notice Notice) {
	f(ctx, notice)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, notice Notice) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Warn(notice.Message(), "notice", notice.String())
}
