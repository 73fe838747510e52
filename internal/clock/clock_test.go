package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualNow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	assert.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
}

func TestManualTickerFiresOnAdvance(t *testing.T) {
	m := NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ticker := m.NewTicker(time.Minute)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before any advance")
	default:
	}

	m.Advance(3 * time.Minute)

	fired := 0
	for {
		select {
		case <-ticker.C():
			fired++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 3, fired)
}

func TestManualStoppedTickerDoesNotFire(t *testing.T) {
	m := NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ticker := m.NewTicker(time.Second)
	ticker.Stop()

	m.Advance(10 * time.Second)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestSystemClock(t *testing.T) {
	c := New()
	require.False(t, c.Now().IsZero())

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("system ticker never fired")
	}
}
