package flow

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
)

type glogCompatLogger struct {
	logger glog.Logger
}

func (l glogCompatLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogCompatLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogCompatLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogCompatLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogCompatLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogCompatLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogCompatLogger) WithContext(ctx context.Context) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return glogCompatLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogCompatLogger) WithFields(fields map[string]any) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogCompatLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func TestEngineLoggerCompatibility_BaseLoggerAndFmtFallback(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)
	engine, _, _ := newTestEngine(t, nil, WithEngineLogger(glogCompatLogger{logger: base}))

	out, err := engine.Handle(context.Background(), testInbound("m-base"))
	if err != nil {
		t.Fatalf("handle with base logger: %v", err)
	}
	logged := buf.String()
	if strings.TrimSpace(logged) == "" {
		t.Fatalf("expected go-logger BaseLogger output")
	}
	for _, field := range []string{"order_id", "request_id", "step"} {
		if !strings.Contains(logged, field) {
			t.Fatalf("expected structured field %q in BaseLogger output", field)
		}
	}
	if !strings.Contains(logged, out.OrderID) {
		t.Fatalf("expected order id %s in output", out.OrderID)
	}

	fallback, _, _ := newTestEngine(t, nil, WithEngineLogger(nil))
	if _, ok := fallback.logger.(*FmtLogger); !ok {
		t.Fatalf("expected nil logger to normalize to FmtLogger fallback")
	}
	if _, err := fallback.Handle(context.Background(), testInbound("m-fallback")); err != nil {
		t.Fatalf("handle with fallback logger: %v", err)
	}
}
