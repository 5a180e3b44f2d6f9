package monitor

import (
	"context"
	"log/slog"
)

// Notification is a user-facing message.
type Notification struct {
	Title       string
	Description string
	Urgent      bool
}

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notification) {
	level := slog.LevelInfo
	if n.Urgent {
		level = slog.LevelWarn
	}
	l.Logger.Log(context.Background(), level, "notification",
		"title", n.Title,
		"description", n.Description,
	)
}
