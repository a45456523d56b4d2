package logging

import (
	"github.com/sirupsen/logrus"
)

// Setup configures the global logrus logger
func Setup(debug bool, format string) {
	logrus.SetLevel(logrus.InfoLevel)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ForAccount returns an entry tagged with the account handle
func ForAccount(cycleID, handle string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"cycle_id": cycleID,
		"account":  handle,
	})
}
