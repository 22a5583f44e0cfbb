package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"thinking", "<think>hmm</think>hello", "hello"},
		{"final tags", "<final>hello</final>", "hello"},
		{"dup blocks", "a\n\na\n\nb", "a\n\nb"},
		{"whitespace", "\n\n  hi  \n", "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"ok then NO_REPLY", true},
		{"NO_REPLYING", false},
		{"hello", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsSilentReply(tc.in); got != tc.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
