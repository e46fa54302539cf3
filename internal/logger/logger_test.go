package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel_FiltersBelowMinimum(t *testing.T) {
	defer SetLevel("info")

	SetLevel("warn")
	ch := Subscribe()
	defer Unsubscribe(ch)

	Debugf("debug message")
	Infof("info message")
	Warnf("warn message")

	select {
	case entry := <-ch:
		assert.Equal(t, Warn, entry.Level)
		assert.Equal(t, "warn message", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("expected warn entry to be broadcast")
	}

	select {
	case entry := <-ch:
		t.Fatalf("unexpected extra entry: %+v", entry)
	default:
	}
}

func TestSetLevel_InvalidFallsBackToInfo(t *testing.T) {
	defer SetLevel("info")
	SetLevel("bogus")
	assert.Equal(t, Info, minLevel)
}

func TestSubscribe_ReceivesEntries(t *testing.T) {
	ch := Subscribe()
	defer Unsubscribe(ch)

	Infof("hello %s", "world")

	select {
	case entry := <-ch:
		assert.Equal(t, Info, entry.Level)
		assert.Equal(t, "hello world", entry.Message)
		_, err := time.Parse(time.RFC3339, entry.Timestamp)
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast entry")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	ch := Subscribe()
	Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestRolloverPeriod(t *testing.T) {
	assert.Equal(t, 24*time.Hour, rolloverPeriod("daily"))
	assert.Equal(t, time.Hour, rolloverPeriod("hourly"))
	assert.Equal(t, time.Minute, rolloverPeriod("minutely"))
	assert.Equal(t, time.Duration(0), rolloverPeriod("never"))
	assert.Equal(t, time.Duration(0), rolloverPeriod(""))
}
