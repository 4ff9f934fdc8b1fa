package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinyland-inc/linkgate/pkg/bus"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"15551234567", "15551234567@s.whatsapp.net"},
		{"+1 (555) 123-4567", "15551234567@s.whatsapp.net"},
		{" 44.20.7946.0958 ", "442079460958@s.whatsapp.net"},
		{"15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net"},
		{"120363025246125486@g.us", "120363025246125486@g.us"},
	}
	for _, tt := range tests {
		got, err := NormalizeAddress(tt.in, "")
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)

		again, err := NormalizeAddress(got, "")
		assert.NoError(t, err)
		assert.Equal(t, got, again, "normalization must be idempotent")
	}
}

func TestNormalizeAddress_CustomDomain(t *testing.T) {
	got, err := NormalizeAddress("123", "c.us")
	assert.NoError(t, err)
	assert.Equal(t, "123@c.us", got)
}

func TestNormalizeAddress_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "+--", "call-me", "@s.whatsapp.net", "123@"} {
		_, err := NormalizeAddress(in, "")
		assert.True(t, errors.Is(err, ErrInvalidAddress), "input %q", in)
	}
}

func TestIsLoggedOut(t *testing.T) {
	assert.True(t, IsLoggedOut(bus.Closed(CodeLoggedOut, "device removed")))

	for _, code := range []int{0, CodeConnectionClosed, CodeConnectionLost, CodeConnectionReplaced,
		CodeRestartRequired, CodeUnavailable, 500} {
		assert.False(t, IsLoggedOut(bus.Closed(code, "")), "code %d is transient", code)
	}
	assert.False(t, IsLoggedOut(bus.Opened()))
}
