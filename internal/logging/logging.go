package logging

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Field names shared by every service so log lines can be joined on order id.
const (
	FieldService = "service"
	FieldOrderID = "order_id"
	FieldEventID = "event_id"
	FieldTopic   = "topic"
	FieldStep    = "step"
	FieldStatus  = "status"
)

func New(service, level, format string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l.WithField(FieldService, service)
}

// Discard is for tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func ForOrder(log *logrus.Entry, orderID int64) *logrus.Entry {
	return log.WithField(FieldOrderID, strconv.FormatInt(orderID, 10))
}
