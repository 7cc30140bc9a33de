package relay

import "testing"

func TestClassifyFirstMessage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Role
	}{
		{"bot registration", []byte(`{"type":"register","client":"bot"}`), RoleBot},
		{"bot registration with extra fields", []byte(`{"type":"register","client":"bot","v":2}`), RoleBot},
		{"wrong client", []byte(`{"type":"register","client":"observer"}`), RoleMeeting},
		{"wrong type", []byte(`{"type":"hello","client":"bot"}`), RoleMeeting},
		{"empty object", []byte(`{}`), RoleMeeting},
		{"invalid JSON", []byte(`{"type":"register"`), RoleMeeting},
		{"binary audio", []byte{0x00, 0x01, 0xff, 0xfe}, RoleMeeting},
		{"empty payload", nil, RoleMeeting},
		{"plain text", []byte("hello"), RoleMeeting},
		{"JSON array", []byte(`[{"name":"alice","isSpeaking":true}]`), RoleMeeting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyFirstMessage(tt.data); got != tt.want {
				t.Errorf("ClassifyFirstMessage(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestRoleString(t *testing.T) {
	if RoleBot.String() != "bot" {
		t.Errorf("RoleBot.String() = %q", RoleBot.String())
	}
	if RoleMeeting.String() != "meeting" {
		t.Errorf("RoleMeeting.String() = %q", RoleMeeting.String())
	}
	if RoleUnassigned.String() != "unassigned" {
		t.Errorf("RoleUnassigned.String() = %q", RoleUnassigned.String())
	}
}
