package firecracker

import (
	"strings"
	"testing"
)

func TestRootfsPathSupported(t *testing.T) {
	tests := []struct {
		role string
		want string
	}{
		{"main", "/images/main.ext4"},
		{"translator", "/images/translator.ext4"},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got, err := RootfsPath("/images", tt.role)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RootfsPath(%q) = %q, want %q", tt.role, got, tt.want)
			}
		})
	}
}

func TestRootfsPathUnsupported(t *testing.T) {
	_, err := RootfsPath("/images", "janitor")
	if err == nil {
		t.Fatal("expected error for unsupported role")
	}
	if !strings.Contains(err.Error(), "unsupported role") {
		t.Errorf("error = %q, want it to contain 'unsupported role'", err.Error())
	}
}
