package main

import "testing"

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "single flag",
			args: []string{"--agent", "a1"},
			want: map[string]string{"agent": "a1"},
		},
		{
			name: "multiple flags",
			args: []string{"--agent", "a1", "--server", "worker-1", "--caps", "analyze,compile"},
			want: map[string]string{"agent": "a1", "server": "worker-1", "caps": "analyze,compile"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--agent"},
			want: map[string]string{},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--agent", "a1"},
			want: map[string]string{"agent": "a1"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-a", "a1"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}
