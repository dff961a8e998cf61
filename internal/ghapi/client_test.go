package ghapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testAuth(t *testing.T, baseURL string) *AppAuth {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	auth, err := NewAppAuth(12345, pemBytes, baseURL)
	if err != nil {
		t.Fatal(err)
	}
	return auth
}

func TestInstallationToken_Cached(t *testing.T) {
	var tokenCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/77/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing app JWT")
		}
		tokenCalls++
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("ghs_token%d", tokenCalls),
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	auth := testAuth(t, srv.URL)
	ctx := context.Background()

	first, err := auth.InstallationToken(ctx, 77)
	if err != nil {
		t.Fatal(err)
	}
	second, err := auth.InstallationToken(ctx, 77)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("token not cached: %q then %q", first, second)
	}
	if tokenCalls != 1 {
		t.Errorf("token endpoint called %d times, want 1", tokenCalls)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_test",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(testAuth(t, srv.URL), srv.URL), srv
}

func TestFetchPRDetails(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widget/pulls/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ghs_test" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"title":            "Add login page",
			"body":             "Implements login",
			"merged":           true,
			"merge_commit_sha": "mergesha",
			"head":             map[string]string{"sha": "headsha"},
		})
	})

	details, err := client.FetchPRDetails(context.Background(), 77, "acme", "widget", 42)
	if err != nil {
		t.Fatal(err)
	}
	if details.Title != "Add login page" || !details.Merged {
		t.Errorf("details = %+v", details)
	}
	if details.MergeCommitSHA != "mergesha" || details.HeadSHA != "headsha" {
		t.Errorf("sha fields = %+v", details)
	}
}

func TestFetchPRDiff(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/vnd.github.v3.diff" {
			t.Errorf("Accept = %q", got)
		}
		fmt.Fprint(w, "diff --git a/x b/x")
	})

	diff, err := client.FetchPRDiff(context.Background(), 77, "acme", "widget", 42)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(diff, "diff --git") {
		t.Errorf("diff = %q", diff)
	}
}

func TestFetchChangedFiles_Paginates(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var files []map[string]string
		switch page {
		case "1":
			for i := 0; i < 100; i++ {
				files = append(files, map[string]string{"filename": fmt.Sprintf("src/f%d.ts", i)})
			}
		case "2":
			files = append(files, map[string]string{"filename": "src/last.ts"})
		}
		json.NewEncoder(w).Encode(files)
	})

	files, err := client.FetchChangedFiles(context.Background(), 77, "acme", "widget", 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 101 {
		t.Errorf("files = %d, want 101", len(files))
	}
	if files[100] != "src/last.ts" {
		t.Errorf("last file = %q", files[100])
	}
}

func TestPostComment(t *testing.T) {
	var posted string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/acme/widget/issues/42/comments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Body string `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		posted = body.Body
		w.WriteHeader(http.StatusCreated)
	})

	if err := client.PostComment(context.Background(), 77, "acme", "widget", 42, "hello"); err != nil {
		t.Fatal(err)
	}
	if posted != "hello" {
		t.Errorf("posted = %q", posted)
	}
}

func TestBuildJob(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/files"):
			json.NewEncoder(w).Encode([]map[string]string{{"filename": "app/page.tsx"}})
		case r.Header.Get("Accept") == "application/vnd.github.v3.diff":
			fmt.Fprint(w, "diff --git a/app/page.tsx b/app/page.tsx")
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"title":            "Tweak layout",
				"body":             "",
				"merged":           true,
				"merge_commit_sha": "mergesha",
				"head":             map[string]string{"sha": "headsha"},
			})
		}
	})

	job, err := client.BuildJob(context.Background(), "run-1", 77, "acme", "widget", 42, "")
	if err != nil {
		t.Fatal(err)
	}
	if job.CommitSHA != "mergesha" {
		t.Errorf("CommitSHA = %q, want merge commit for a merged PR", job.CommitSHA)
	}
	if len(job.ChangedFiles) != 1 || job.ChangedFiles[0] != "app/page.tsx" {
		t.Errorf("ChangedFiles = %v", job.ChangedFiles)
	}
	if job.Title != "Tweak layout" || job.RunID != "run-1" {
		t.Errorf("job = %+v", job)
	}
}

func TestParsePRURL(t *testing.T) {
	tests := []struct {
		url     string
		owner   string
		repo    string
		number  int
		wantErr bool
	}{
		{"https://github.com/acme/widget/pull/42", "acme", "widget", 42, false},
		{"https://github.com/acme/widget/pull/42/", "acme", "widget", 42, false},
		{"https://github.com/acme/widget/issues/42", "", "", 0, true},
		{"https://github.com/acme/widget", "", "", 0, true},
		{"https://github.com/acme/widget/pull/abc", "", "", 0, true},
	}

	for _, tt := range tests {
		owner, repo, number, err := ParsePRURL(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePRURL(%q) expected error", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePRURL(%q) error = %v", tt.url, err)
			continue
		}
		if owner != tt.owner || repo != tt.repo || number != tt.number {
			t.Errorf("ParsePRURL(%q) = %s/%s#%d", tt.url, owner, repo, number)
		}
	}
}
