package validation

import (
	"strings"
	"testing"
)

func TestIsValidWalletAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		valid   bool
	}{
		{
			name:    "checksummed",
			address: "0x88957CEaAAf03113206a055f87bf2a299924ABFF",
			valid:   true,
		},
		{
			name:    "lowercase",
			address: "0xf3f79baceb4672d590031895962541545d187153",
			valid:   true,
		},
		{
			name:    "without prefix",
			address: "88957ceaaaf03113206a055f87bf2a299924abff",
			valid:   true,
		},
		{
			name:    "too short",
			address: "0x88957CEaAAf03113206a055f87bf2a299924AB",
			valid:   false,
		},
		{
			name:    "non hex characters",
			address: "0x88957CEaAAf03113206a055f87bf2a299924ABZZ",
			valid:   false,
		},
		{
			name:    "zero address",
			address: "0x0000000000000000000000000000000000000000",
			valid:   false,
		},
		{
			name:    "empty string",
			address: "",
			valid:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidWalletAddress(tt.address)
			if got != tt.valid {
				t.Fatalf("IsValidWalletAddress(%q) = %v, want %v", tt.address, got, tt.valid)
			}
		})
	}
}

func TestNormalizeWalletAddress(t *testing.T) {
	lower := NormalizeWalletAddress("0x88957ceaaaf03113206a055f87bf2a299924abff")
	upper := NormalizeWalletAddress("0x88957CEAAAF03113206A055F87BF2A299924ABFF")
	if lower != upper {
		t.Fatalf("NormalizeWalletAddress differs by input case: %q vs %q", lower, upper)
	}
	if !strings.EqualFold(lower, "0x88957ceaaaf03113206a055f87bf2a299924abff") {
		t.Fatalf("NormalizeWalletAddress changed the address: %q", lower)
	}
}
