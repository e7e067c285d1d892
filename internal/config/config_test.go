package config

import "testing"

func TestNormalizeKeySegment(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"api-server", "API_SERVER"},
		{"apiServer", "APISERVER"},
		{"log.level", "LOG_LEVEL"},
		{"  keeper  ", "KEEPER"},
		{"", ""},
		{"--", ""},
	}
	for _, tc := range cases {
		if got := normalizeKeySegment(tc.in); got != tc.want {
			t.Errorf("normalizeKeySegment(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFlattenConfigValue(t *testing.T) {
	out := make(map[string]string)
	err := flattenConfigValue("KEEPER", map[string]any{
		"poll-interval": "5s",
		"log": map[string]any{
			"level": "debug",
		},
		"origins": []any{"http://a", "http://b"},
		"max":     10,
	}, out)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}

	want := map[string]string{
		"KEEPER_POLL_INTERVAL": "5s",
		"KEEPER_LOG_LEVEL":     "debug",
		"KEEPER_ORIGINS":       "http://a,http://b",
		"KEEPER_MAX":           "10",
	}
	for key, value := range want {
		if out[key] != value {
			t.Errorf("%s = %q, want %q", key, out[key], value)
		}
	}
}

func TestParseCSVEnv(t *testing.T) {
	if got := parseCSVEnv("a, b ,", nil); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("parseCSVEnv = %v", got)
	}
	fallback := []string{"*"}
	if got := parseCSVEnv("  ", fallback); len(got) != 1 || got[0] != "*" {
		t.Errorf("blank input must fall back, got %v", got)
	}
}
