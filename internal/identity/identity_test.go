package identity

import "testing"

func TestMatchAllowList(t *testing.T) {
	tests := []struct {
		name   string
		list   []string
		sender string
		want   bool
	}{
		{"empty list", nil, "123", false},
		{"empty sender", []string{"*"}, "", false},
		{"wildcard", []string{"*"}, "123", true},
		{"exact id", []string{"123"}, "123", true},
		{"compound sender by id", []string{"123"}, "123|alice", true},
		{"compound sender by username", []string{"@alice"}, "123|alice", true},
		{"username case-insensitive", []string{"Alice"}, "123|alice", true},
		{"compound entry", []string{"123|alice"}, "123", true},
		{"no match", []string{"456", "@bob"}, "123|alice", false},
		{"blank entries ignored", []string{" ", ""}, "123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchAllowList(tt.list, tt.sender); got != tt.want {
				t.Errorf("MatchAllowList(%v, %q) = %v, want %v", tt.list, tt.sender, got, tt.want)
			}
		})
	}
}

func TestPhoneHelpers(t *testing.T) {
	if got := Digits("+1 (555) 010-2000"); got != "15550102000" {
		t.Errorf("Digits = %q", got)
	}
	if got := StripJIDServer("15550102000:12@s.whatsapp.net"); got != "15550102000" {
		t.Errorf("StripJIDServer = %q", got)
	}
	if !SamePhone("+15550102000", "15550102000@s.whatsapp.net") {
		t.Error("SamePhone should compare digits")
	}
	if SamePhone("abc", "def") {
		t.Error("values without digits must not match")
	}
	if !LooksLikePhone("+15550102000") || !LooksLikePhone("15550102000@s.whatsapp.net") {
		t.Error("LooksLikePhone rejected a phone")
	}
	if LooksLikePhone("a1b2c3d4-0000-1111-2222-333344445555") || LooksLikePhone("12345") {
		t.Error("LooksLikePhone accepted a non-phone")
	}
}
