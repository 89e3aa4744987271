package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeInput(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Steve  ", "Steve"},
		{"a<b>", "a&lt;b&gt;"},
		{"bell\x07name", "bellname"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeInput(tt.in))
		})
	}
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<script>"))
	assert.True(t, ContainsSuspicious("${jndi:ldap}"))
	assert.False(t, ContainsSuspicious("griefing reported by staff"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "ab", TruncateRunes("abc", 2))
	assert.Equal(t, "Зд", TruncateRunes("Здравствуй", 2))
	assert.Equal(t, "abc", TruncateRunes("abc", 10))
	assert.Equal(t, "", TruncateRunes("abc", 0))
}

func TestMaskedIP(t *testing.T) {
	assert.Equal(t, "203.0.113.0/24", MaskedIP("203.0.113.77").String)
	assert.Equal(t, "2001:db8:1::/48", MaskedIP("2001:db8:1:2::5").String)
	assert.Equal(t, "invalid", MaskedIP("nope").String)
	assert.Equal(t, "198.51.100.0/24", MaskIP("198.51.100.9:51234"))
	assert.Equal(t, "2001:db8:1::/48", MaskIP("[2001:db8:1::9]:25565"))
}

func TestStubClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewStubClock(start)
	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
}
