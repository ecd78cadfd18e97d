package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetClassifier(t *testing.T) {
	c := NewTargetClassifier(map[string][]string{
		"video":  {"youtube.com", "googlevideo.com", "Vimeo.com."},
		"google": {"google.com"},
		"ads":    {"ads.google.com"},
	})
	assert.Equal(t, 5, c.Len())

	tests := []struct {
		host string
		want string
	}{
		{"youtube.com", "video"},
		{"www.youtube.com", "video"},
		{"r1.sn-abc.googlevideo.com", "video"},
		{"player.vimeo.com", "video"},
		{"WWW.YOUTUBE.COM.", "video"},
		{"google.com", "google"},
		{"mail.google.com", "google"},
		{"ads.google.com", "ads"},
		{"x.ads.google.com", "ads"},
		{"notyoutube.com", DefaultTargetClass},
		{"youtube.com.evil.net", DefaultTargetClass},
		{"example.org", DefaultTargetClass},
		{"", DefaultTargetClass},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.host))
		})
	}
}

func TestTargetClassifierEmpty(t *testing.T) {
	var nilClassifier *TargetClassifier
	assert.Equal(t, DefaultTargetClass, nilClassifier.Classify("example.com"))
	assert.Equal(t, 0, nilClassifier.Len())

	empty := NewTargetClassifier(map[string][]string{"blank": {"", "  "}})
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, DefaultTargetClass, empty.Classify("example.com"))
}
