package ops

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(msg string, level slog.Level) LogEntry {
	return LogEntry{Message: msg, Level: level.String(), level: level}
}

func TestLogBufferRingOverflow(t *testing.T) {
	lb := NewLogBuffer(3)
	assert.Nil(t, lb.Recent(10, slog.LevelDebug))

	for i := 0; i < 5; i++ {
		lb.Add(entry(string(rune('a'+i)), slog.LevelInfo))
	}

	entries := lb.Recent(10, slog.LevelDebug)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Message)
	assert.Equal(t, "d", entries[1].Message)
	assert.Equal(t, "e", entries[2].Message)
	assert.Equal(t, 3, lb.Len())
}

func TestLogBufferRecentNewestInOrder(t *testing.T) {
	lb := NewLogBuffer(10)
	lb.Add(entry("first", slog.LevelInfo))
	lb.Add(entry("second", slog.LevelInfo))
	lb.Add(entry("third", slog.LevelInfo))

	entries := lb.Recent(2, slog.LevelDebug)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
}

func TestLogBufferRecentFiltersLevel(t *testing.T) {
	lb := NewLogBuffer(10)
	lb.Add(entry("frame", slog.LevelDebug))
	lb.Add(entry("reconnect failed", slog.LevelWarn))
	lb.Add(entry("connected", slog.LevelInfo))
	lb.Add(entry("frame", slog.LevelDebug))

	entries := lb.Recent(10, slog.LevelInfo)
	require.Len(t, entries, 2)
	assert.Equal(t, "reconnect failed", entries[0].Message)
	assert.Equal(t, "connected", entries[1].Message)

	entries = lb.Recent(1, slog.LevelWarn)
	require.Len(t, entries, 1)
	assert.Equal(t, "reconnect failed", entries[0].Message)
}

func TestLogBufferSubscribe(t *testing.T) {
	lb := NewLogBuffer(10)
	id1, ch1 := lb.Subscribe()
	id2, ch2 := lb.Subscribe()
	assert.NotEqual(t, id1, id2)
	defer lb.Unsubscribe(id2)

	lb.Add(entry("broadcast", slog.LevelInfo))
	for _, ch := range []<-chan LogEntry{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, "broadcast", e.Message)
		case <-time.After(time.Second):
			t.Fatal("listener did not receive entry")
		}
	}

	lb.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestLogBufferSlowListenerDrops(t *testing.T) {
	lb := NewLogBuffer(10)
	id, ch := lb.Subscribe()
	defer lb.Unsubscribe(id)

	for i := 0; i < 101; i++ {
		lb.Add(entry("fill", slog.LevelInfo))
	}
	assert.Len(t, ch, 100)
}

func TestTeeHandlerCopiesRecords(t *testing.T) {
	lb := NewLogBuffer(10)
	var out bytes.Buffer
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}), lb))

	logger.With("surface", "ctx-1").WithGroup("stream").Info("Surface mounted", "code", "005930")
	logger.Debug("dropped below level")

	entries := lb.Recent(10, slog.LevelDebug)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "Surface mounted", entries[0].Message)
	assert.Equal(t, "surface=ctx-1 stream.code=005930", entries[0].Attrs)
	assert.Contains(t, out.String(), "Surface mounted")
}

func TestTeeHandlerFlattensGroups(t *testing.T) {
	lb := NewLogBuffer(10)
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), lb))

	logger.Info("status", slog.Group("stream", "state", "open", "subs", 2))

	entries := lb.Recent(1, slog.LevelDebug)
	require.Len(t, entries, 1)
	assert.Equal(t, "stream.state=open stream.subs=2", entries[0].Attrs)
}
