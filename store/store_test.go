package store

import "testing"

func TestResolveProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "sqlite", false},
		{"sqlite", "sqlite", false},
		{" SQLite ", "sqlite", false},
		{"postgres", "postgres", false},
		{"redis", "", true},
	}
	for _, tt := range tests {
		got, err := ResolveProvider(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ResolveProvider(%q) should fail", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ResolveProvider(%q) = %q, %v", tt.in, got, err)
		}
	}
}
