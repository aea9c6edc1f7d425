package errmon

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/sproutlab/sprout/internal/event"
)

// Capture builds a DeviceError from a caught error, enriched with caller
// site, elapsed time, error types, and a stack-trace hash so repeated
// failures from the same site collapse under one fingerprint.
func Capture(deviceID uuid.UUID, code string, src Source, err error, started time.Time) *DeviceError {
	if err == nil {
		return nil
	}

	ctxMap := map[string]any{
		"errorType":  fmt.Sprintf("%T", err),
		"stackHash":  stackHash(2),
		"callerSite": callerSite(2),
	}
	if !started.IsZero() {
		ctxMap["elapsedMs"] = time.Since(started).Milliseconds()
	}
	if inner := unwrapOnce(err); inner != nil {
		ctxMap["innerType"] = fmt.Sprintf("%T", inner)
	}

	return &DeviceError{
		DeviceID:    deviceID,
		Code:        code,
		Message:     err.Error(),
		Severity:    event.SeverityError,
		Source:      src,
		Transient:   true,
		Recoverable: true,
		Context:     ctxMap,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// WithComponent annotates e with the component identity fields.
func (e *DeviceError) WithComponent(name, state string) *DeviceError {
	if e == nil {
		return nil
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context["componentId"] = e.DeviceID.String()
	e.Context["componentName"] = name
	e.Context["componentState"] = state
	return e
}

func unwrapOnce(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	return nil
}

func callerSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, file, line)
}

// stackHash fingerprints the current goroutine stack with xxh3. The hex
// digest is stable for identical call paths, independent of argument values.
func stackHash(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}

	var buf []byte
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		buf = append(buf, frame.Function...)
		buf = append(buf, '\n')
		if !more {
			break
		}
	}
	return fmt.Sprintf("%016x", xxh3.Hash(buf))
}
