package logger

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, parseLevel("unknown"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNew(t *testing.T) {
	log := New("debug")
	assert.NotNil(t, log)
	assert.True(t, log.Enabled(nil, slog.LevelDebug))

	log = New("error")
	assert.False(t, log.Enabled(nil, slog.LevelInfo))
}

func TestTruncateLongFields_Content(t *testing.T) {
	long := strings.Repeat("x", 200)
	body := `{"content":"` + long + `"}`

	out := TruncateLongFields(body, 1000)

	assert.Contains(t, out, "[truncated 150 chars]")
	assert.NotContains(t, out, long)
}

func TestTruncateLongFields_NestedMessages(t *testing.T) {
	long := strings.Repeat("y", 120)
	body := `{"messages":[{"role":"user","content":"` + long + `"}]}`

	out := TruncateLongFields(body, 1000)

	assert.Contains(t, out, "[truncated 70 chars]")
	assert.Contains(t, out, `"role":"user"`)
}

func TestTruncateLongFields_ShortFieldsUntouched(t *testing.T) {
	body := `{"content":"short","model":"gpt-4o"}`

	out := TruncateLongFields(body, 1000)

	assert.Contains(t, out, `"content":"short"`)
	assert.Contains(t, out, `"model":"gpt-4o"`)
}

func TestTruncateLongFields_InvalidJSONPassesThrough(t *testing.T) {
	assert.Equal(t, "not json", TruncateLongFields("not json", 100))
}
