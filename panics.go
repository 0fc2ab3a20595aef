package fulfillment

import (
	"fmt"
	"log"
	"runtime"
	"sort"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a deferred recover for background goroutines (timers, queue workers).
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	if logger == nil {
		logger = DefaultPanicLogger
	}
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			logger(funcName, err, captureStack(), fields...)
		}
	}
}

// CapturePanic converts a panic into a fatal error stored in errp. It must be deferred directly:
//
//	defer fulfillment.CapturePanic("step.commit", &err)
func CapturePanic(funcName string, errp *error) {
	rec := recover()
	if rec == nil || errp == nil {
		return
	}
	stack := captureStack()
	pe := &PanicError{Func: funcName, Value: rec, Stack: stack}
	*errp = apperrors.Wrap(pe, apperrors.CategoryInternal, "recovered panic").
		WithTextCode(TextCodePanic).
		WithMetadata(map[string]any{
			"func":  funcName,
			"panic": fmt.Sprint(rec),
		})
}

func DefaultPanicLogger(funcName string, err any, stack []byte, fields ...map[string]any) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[FATAL] recovered from panic in %s\n", funcName))
	sb.WriteString(fmt.Sprintf("Error: %v\n", err))
	sb.WriteString(fmt.Sprintf("Error Type: %T\n", err))

	if len(fields) > 0 && fields[0] != nil {
		sb.WriteString("Context:\n")

		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, fields[0][k]))
		}
	}

	sb.WriteString("Stack Trace:\n")
	sb.Write(stack)

	log.Print(sb.String())
}

func captureStack() []byte {
	full := make([]byte, 8096)
	n := runtime.Stack(full, false)
	return cleanStackTrace(full[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the runtime panic frame and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
