package util

import "testing"

func TestParseDifficultyRoundTrip(t *testing.T) {
	tests := []string{"000fffff", "ffffffff", "00000001", "00000000"}

	for _, s := range tests {
		d, err := ParseDifficulty(s)
		if err != nil {
			t.Fatalf("ParseDifficulty(%q) error: %v", s, err)
		}
		if got := d.String(); got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
	}
}

func TestParseDifficultyInvalid(t *testing.T) {
	tests := []string{"xyz", "ff", "fffffffff", ""}

	for _, s := range tests {
		if _, err := ParseDifficulty(s); err == nil {
			t.Errorf("ParseDifficulty(%q) expected error, got nil", s)
		}
	}
}

func TestMeetsDifficulty(t *testing.T) {
	d, err := ParseDifficulty("000fffff")
	if err != nil {
		t.Fatalf("ParseDifficulty: %v", err)
	}

	low := make([]byte, 32)
	low[0], low[1], low[2], low[3] = 0x00, 0x00, 0x0f, 0xff
	if !MeetsDifficulty(low, d) {
		t.Error("digest under the mask should meet difficulty")
	}

	high := make([]byte, 32)
	high[0] = 0xff
	if MeetsDifficulty(high, d) {
		t.Error("digest over the mask should not meet difficulty")
	}

	exact := make([]byte, 32)
	exact[0], exact[1], exact[2], exact[3] = 0x00, 0x0f, 0xff, 0xff
	if !MeetsDifficulty(exact, d) {
		t.Error("digest exactly at the mask should meet difficulty (<=)")
	}
}

func TestMeetsDifficultyShortDigest(t *testing.T) {
	d, _ := ParseDifficulty("ffffffff")
	if MeetsDifficulty([]byte{0x00, 0x00}, d) {
		t.Error("a digest shorter than 4 bytes can never meet difficulty")
	}
}

func TestLeadingBits(t *testing.T) {
	digest := make([]byte, 32)
	digest[0], digest[1], digest[2], digest[3] = 0x00, 0x00, 0x0f, 0xff
	if got := LeadingBits(digest); got != 0x00000fff {
		t.Errorf("LeadingBits: got %#x, want %#x", got, 0x00000fff)
	}

	if got := LeadingBits([]byte{0x01, 0x02}); got != 0 {
		t.Errorf("LeadingBits on short digest should be 0, got %#x", got)
	}
}

func TestRelativeDifficultyZeroLeading(t *testing.T) {
	digest := make([]byte, 32)
	if got := RelativeDifficulty(digest); got <= 0 {
		t.Errorf("all-zero leading bits should give a very high relative difficulty, got %f", got)
	}
}
