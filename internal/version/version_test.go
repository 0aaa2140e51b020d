package version

import "testing"

// withBuildInfo подменяет значения, которые в релизе приходят из -ldflags.
func withBuildInfo(t *testing.T, v, c, d string) {
	t.Helper()
	prevVersion, prevCommit, prevDate := version, commit, date
	version, commit, date = v, c, d
	t.Cleanup(func() {
		version, commit, date = prevVersion, prevCommit, prevDate
	})
}

func TestInfo_DefaultsForLocalBuild(t *testing.T) {
	v, c, d := Info()
	if v != "dev" || c != "unknown" || d != "unknown" {
		t.Fatalf("unexpected local build info: %s %s %s", v, c, d)
	}
}

func TestGetters_FollowLinkerValues(t *testing.T) {
	withBuildInfo(t, "v1.4.0", "0123456789abcdef", "2026-03-01T10:00:00Z")

	if GetVersion() != "v1.4.0" {
		t.Fatalf("GetVersion returned %q", GetVersion())
	}
	if GetCommit() != "0123456789abcdef" {
		t.Fatalf("GetCommit returned %q", GetCommit())
	}
	if GetDate() != "2026-03-01T10:00:00Z" {
		t.Fatalf("GetDate returned %q", GetDate())
	}
	if got, want := String(), "version=v1.4.0 commit=0123456789abcdef date=2026-03-01T10:00:00Z"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestUserAgent(t *testing.T) {
	withBuildInfo(t, "v1.4.0", "0123456789abcdef", "2026-03-01")

	tests := []struct {
		name string
		tool string
		want string
	}{
		{name: "named tool", tool: "storefront-loadtest", want: "storefront-loadtest/v1.4.0 (0123456)"},
		{name: "empty tool", tool: "", want: "storefront-orders/v1.4.0 (0123456)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserAgent(tt.tool); got != tt.want {
				t.Fatalf("UserAgent(%q) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestUserAgent_ShortCommitKeptAsIs(t *testing.T) {
	withBuildInfo(t, "dev", "abc", "unknown")

	if got := UserAgent("storefront-loadtest"); got != "storefront-loadtest/dev (abc)" {
		t.Fatalf("unexpected user agent %q", got)
	}
}
