package probe

import (
	"context"
	"testing"
)

func TestReflexiveAddressRejectsBadURIs(t *testing.T) {
	testCases := []struct {
		name string
		uri  string
	}{
		{"not a URI", "localhost"},
		{"TURN server", "turn:turn.example.com:3478"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReflexiveAddress(context.Background(), tc.uri); err == nil {
				t.Errorf("Expected an error for %q", tc.uri)
			}
		})
	}
}
