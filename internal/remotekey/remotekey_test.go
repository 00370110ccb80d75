package remotekey

import "testing"

const wantKey = "github-com_openpubmobus_mobdtimer-git"

func TestNormalize_EquivalentRemotes(t *testing.T) {
	cases := map[string]string{
		"ssh with slash":      "git@github.com:/openpubmobus/mobdtimer.git",
		"ssh without slash":   "git@github.com:openpubmobus/mobdtimer.git",
		"https without colon": "https://github.com/openpubmobus/mobdtimer.git",
		"https with colon":    "https://github.com:/openpubmobus/mobdtimer.git",
		"https with port":     "https://github.com:443/openpubmobus/mobdtimer.git",
		"ssh scheme url":      "ssh://git@github.com:/openpubmobus/mobdtimer.git",
	}
	for name, remote := range cases {
		t.Run(name, func(t *testing.T) {
			if got := Normalize(remote); got != wantKey {
				t.Fatalf("Normalize(%q) = %q, want %q", remote, got, wantKey)
			}
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	remote := "git@gitlab.example.org:team/sub.group/app.git"
	first := Normalize(remote)
	for i := 0; i < 5; i++ {
		if got := Normalize(remote); got != first {
			t.Fatalf("run %d: got %q, want %q", i, got, first)
		}
	}
	if first != "gitlab-example-org_team_sub-group_app-git" {
		t.Fatalf("unexpected key %q", first)
	}
}

func TestNormalize_DegenerateInputs(t *testing.T) {
	// Missing separators produce empty components, never a failure.
	cases := map[string]string{
		"":              "_",
		"@":             "_",
		"abc":           "_",
		"user@host":     "host_",
		"https:///repo": "_repo",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitIntoTwo(t *testing.T) {
	tests := []struct {
		s, sep        string
		first, second string
	}{
		{"tuv:wxy", ":", "tuv", "wxy"},
		{"abc", ":", "abc", ""},
		{"", ":", "", ""},
		{"a:b:c", ":", "a", "b:c"},
		{"https://host/path", "//", "https:", "host/path"},
		{"trailing:", ":", "trailing", ""},
	}
	for _, tt := range tests {
		first, second := SplitIntoTwo(tt.s, tt.sep)
		if first != tt.first || second != tt.second {
			t.Errorf("SplitIntoTwo(%q, %q) = (%q, %q), want (%q, %q)", tt.s, tt.sep, first, second, tt.first, tt.second)
		}
	}
}

func TestRemoveTrailing(t *testing.T) {
	cases := map[string]string{
		"abc":      "abc",
		"abc:":     "abc",
		"abc:8080": "abc",
		":abc":     "",
	}
	for in, want := range cases {
		if got := RemoveTrailing(in, ':'); got != want {
			t.Errorf("RemoveTrailing(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrependIfMissing(t *testing.T) {
	cases := map[string]string{
		"/abc": "/abc",
		"abc":  "/abc",
		"":     "/",
	}
	for in, want := range cases {
		if got := PrependIfMissing(in, "/"); got != want {
			t.Errorf("PrependIfMissing(%q) = %q, want %q", in, got, want)
		}
	}
}
