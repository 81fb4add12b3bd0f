package accesslog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ozontech/duplex/part"
)

func TestAccessLog(t *testing.T) {
	a := assert.New(t)

	core, logs := observer.New(zapcore.DebugLevel)
	r := New(zap.New(core))

	start := time.Now()
	now = func() time.Time { return start }
	t.Cleanup(func() { now = time.Now })

	st := r.Acquire()
	st.Request(&part.Head{Method: "POST", Target: "/echo", Version: "HTTP/1.1"})
	st.BodyIn(1500)
	st.Response(&part.Head{Status: 200})
	st.BodyOut(2048)
	now = func() time.Time { return start.Add(15 * time.Millisecond) }
	st.End()

	st = r.Acquire()
	st.Request(&part.Head{Method: "GET", Target: "/boom", Version: "HTTP/2.0"})
	st.Error(errors.New("boom"))
	st.End()

	entries := logs.AllUntimed()
	if a.Len(entries, 2) {
		ok := entries[0]
		a.Equal(zapcore.InfoLevel, ok.Level)
		a.Equal("access", ok.LoggerName)
		fields := ok.ContextMap()
		a.Equal("POST /echo HTTP/1.1", fields["request"])
		a.Equal(int64(200), fields["status"])
		a.Equal(15*time.Millisecond, fields["duration"])
		a.Equal("1.5 kB", fields["in"])
		a.Equal("2.0 kB", fields["out"])

		failed := entries[1]
		a.Equal(zapcore.WarnLevel, failed.Level)
		fields = failed.ContextMap()
		a.Equal("GET /boom HTTP/2.0", fields["request"])
		a.Equal(int64(0), fields["status"])
		a.Equal("boom", fields["error"])
		a.Equal("0 B", fields["in"])
	}
}
