package updater

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// testPublicKey is a throwaway minisign key; nothing is signed with it
const testPublicKey = "RWTAL2Rqljbei1qXf4lNDXAtQnOXuQXFG/F0qmahA8Gs6oLnHOkXaDjU"

var testOptions = Options{Repo: "example/redpocket2mqtt", PublicKey: testPublicKey}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"v1.0.0", "v1.0.0", 0},
		{"1.2.3", "v1.2.4", -1},
		{"v2.0", "v1.9.9", 1},
		{"v1.0.0-beta", "v1.0.0", -1},
		{"v1.0.0-rc.2", "v1.0.0-rc.10", -1},
		{"v1.0.0-alpha", "v1.0.0-alpha.1", -1},
		{"v1.0.0-1", "v1.0.0-alpha", -1},
		{"v1.2.3+abc", "v1.2.3", 0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			a, err := ParseVersion(tt.a)
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.a, err)
			}
			b, err := ParseVersion(tt.b)
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.b, err)
			}
			if got := a.Compare(b); got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseVersionInvalid(t *testing.T) {
	for _, s := range []string{"", "vx.1", "1.2.3.4", "1.-2"} {
		if _, err := ParseVersion(s); err == nil {
			t.Errorf("ParseVersion(%q) accepted", s)
		}
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"v1.0.0", "v1.1.0", true},
		{"v1.1.0", "v1.1.0", false},
		{"v1.1.0-rc.1", "v1.1.0", true},
		{"dev", "v9.0.0", false},
	}
	for _, tt := range tests {
		got, err := IsNewer(tt.current, tt.latest)
		if err != nil {
			t.Fatalf("IsNewer(%q, %q): %v", tt.current, tt.latest, err)
		}
		if got != tt.want {
			t.Errorf("IsNewer(%q, %q) = %v", tt.current, tt.latest, got)
		}
	}
}

func newReleaseServer(t *testing.T, release GitHubRelease) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		json.NewEncoder(w).Encode(release)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCheckUpdate(t *testing.T) {
	u, err := New("v1.0.0", t.TempDir(), testOptions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv, hits := newReleaseServer(t, GitHubRelease{
		TagName: "v1.1.0",
		Body:    "fixes",
		Assets:  []GitHubAsset{{Name: u.archiveName(), Size: 4096}},
	})
	u.opts.APIURL = srv.URL

	result, err := u.CheckUpdate(context.Background())
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if !result.UpdateAvailable || result.LatestVersion != "v1.1.0" || result.DownloadSize != 4096 {
		t.Errorf("unexpected result %+v", result)
	}

	if _, err := u.CheckUpdate(context.Background()); err != nil {
		t.Fatalf("cached CheckUpdate: %v", err)
	}
	if n := atomic.LoadInt32(hits); n != 1 {
		t.Errorf("release fetched %d times, want 1", n)
	}
}

func TestCheckUpdateDev(t *testing.T) {
	u, err := New("dev", t.TempDir(), testOptions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv, _ := newReleaseServer(t, GitHubRelease{TagName: "v5.0.0"})
	u.opts.APIURL = srv.URL

	result, err := u.CheckUpdate(context.Background())
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if result.UpdateAvailable || !result.IsDev {
		t.Errorf("unexpected result %+v", result)
	}
	if err := u.PerformUpdate(context.Background(), func(UpdateProgress) {}); err == nil {
		t.Error("dev build updated")
	}
}

func TestNewOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{"no repo", Options{PublicKey: testPublicKey}, ErrNotConfigured},
		{"no key", Options{Repo: "example/redpocket2mqtt"}, ErrNotConfigured},
		{"invalid key", Options{Repo: "example/redpocket2mqtt", PublicKey: "not-a-key"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("v1.0.0", t.TempDir(), tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	u, err := New("v1.0.0", t.TempDir(), testOptions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if u.opts.APIURL != "https://api.github.com/repos/example/redpocket2mqtt/releases/latest" {
		t.Errorf("APIURL = %q", u.opts.APIURL)
	}
}

func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		hdr := &tar.Header{Name: name, Mode: 0755, Size: int64(len(body)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		tw.Write([]byte(body))
	}
	tw.Close()
	gz.Close()

	path := filepath.Join(t.TempDir(), "release.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractFile(t *testing.T) {
	archive := writeArchive(t, map[string]string{
		"README.md":                     "docs",
		"redpocket2mqtt/redpocket2mqtt": "new-binary",
	})
	dst := filepath.Join(t.TempDir(), "out", "redpocket2mqtt")

	if err := extractFile(archive, "redpocket2mqtt", dst); err != nil {
		t.Fatalf("extractFile: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "new-binary" {
		t.Errorf("extracted %q", data)
	}

	err := extractFile(archive, "missing", dst)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestInstallAndRestore(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "redpocket2mqtt")
	backupDir := filepath.Join(dir, ".backup", "v1.0.0")
	newBinary := filepath.Join(dir, "extracted")

	os.WriteFile(binary, []byte("old"), 0755)
	os.WriteFile(newBinary, []byte("new"), 0644)

	if err := backupFile(binary, backupDir); err != nil {
		t.Fatalf("backupFile: %v", err)
	}
	if err := installFile(newBinary, binary); err != nil {
		t.Fatalf("installFile: %v", err)
	}
	if data, _ := os.ReadFile(binary); string(data) != "new" {
		t.Errorf("installed %q", data)
	}
	if info, _ := os.Stat(binary); info.Mode().Perm()&0100 == 0 {
		t.Errorf("installed binary not executable: %v", info.Mode())
	}

	if err := restoreFile(backupDir, binary); err != nil {
		t.Fatalf("restoreFile: %v", err)
	}
	if data, _ := os.ReadFile(binary); string(data) != "old" {
		t.Errorf("restored %q", data)
	}

	if err := backupFile(filepath.Join(dir, "absent"), backupDir); err != nil {
		t.Errorf("backup of missing file: %v", err)
	}
}

func TestVerifySignatureRejectsGarbage(t *testing.T) {
	pub, err := ParsePublicKey(testPublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.gz")
	sig := archive + ".minisig"
	os.WriteFile(archive, []byte("payload"), 0644)
	os.WriteFile(sig, []byte("untrusted comment: x\nnot-base64\n"), 0644)

	if err := VerifySignature(archive, sig, pub); err == nil {
		t.Error("garbage signature accepted")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
