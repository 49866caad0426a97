package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Mailbox records the mailbox identity under the key "mailbox".
func Mailbox(name string) slog.Attr {
	return slog.String("mailbox", name)
}

// UID records the mailbox uid under the key "uid".
func UID(uid string) slog.Attr {
	return slog.String("uid", uid)
}

// Attempt records the processing attempt under the key "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Status records a record status under the key "status".
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// PostcardID records the provider postcard id under the key "postcard_id".
func PostcardID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("postcard_id", id)
}
