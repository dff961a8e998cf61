package manifest

import "testing"

func TestParse_Valid(t *testing.T) {
	entries, err := Parse([]byte(`[
		{"path": "/workspace/screenshots/home.png", "route": "/", "description": "home page"},
		{"path": "/workspace/screenshots/login.png", "route": "/login"}
	]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Route != "/" || entries[1].Path != "/workspace/screenshots/login.png" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestParse_EmptyListIsValid(t *testing.T) {
	entries, err := Parse([]byte(`[]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed JSON", `{`},
		{"not an array", `{"path": "/a.png", "route": "/"}`},
		{"missing route", `[{"path": "/a.png"}]`},
		{"missing path", `[{"route": "/"}]`},
		{"relative path", `[{"path": "a.png", "route": "/"}]`},
		{"empty route", `[{"path": "/a.png", "route": ""}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Errorf("Parse(%s) expected error", tt.data)
			}
		})
	}
}

func TestBlobKey(t *testing.T) {
	tests := []struct {
		route string
		want  string
	}{
		{"/", "acme/widget/run-1/root.png"},
		{"/login", "acme/widget/run-1/login.png"},
		{"/settings/profile", "acme/widget/run-1/settings-profile.png"},
	}

	for _, tt := range tests {
		got := BlobKey("acme", "widget", "run-1", Entry{Route: tt.route, Path: "/x.png"})
		if got != tt.want {
			t.Errorf("BlobKey(%q) = %q, want %q", tt.route, got, tt.want)
		}
	}
}
