package envvars

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSubstitute(t *testing.T) {
	s := New(map[string]string{"USER": "alice", "PASS": "s3cret"})
	tests := []struct {
		in   string
		want string
	}{
		{"http://host/get.php?username=%USER%&password=%PASS%", "http://host/get.php?username=alice&password=s3cret"},
		{"http://host/plain.m3u", "http://host/plain.m3u"},
		{"http://host/%USER%/%USER%", "http://host/alice/alice"},
		{"http://host/100%", "http://host/100%"},
	}
	for _, tt := range tests {
		got, err := s.Substitute(tt.in)
		if err != nil {
			t.Fatalf("Substitute(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubstitute_undefined(t *testing.T) {
	s := New(map[string]string{"USER": "alice"})
	_, err := s.Substitute("http://host/%USER%/%TOKEN%/%OTHER%")
	var ue *UndefinedError
	if !errors.As(err, &ue) {
		t.Fatalf("want *UndefinedError, got %v", err)
	}
	if !reflect.DeepEqual(ue.Names, []string{"TOKEN", "OTHER"}) {
		t.Errorf("missing names = %v", ue.Names)
	}
}

func TestSubstitute_nilSet(t *testing.T) {
	var s *Set
	if got, err := s.Substitute("http://x/y"); err != nil || got != "http://x/y" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := s.Substitute("http://x/%A%"); err == nil {
		t.Error("nil set should reject placeholders")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	data := "# creds\nIPTV_USER=bob\nIPTV_PASS=\"quoted pass\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Names(); !reflect.DeepEqual(got, []string{"IPTV_PASS", "IPTV_USER"}) {
		t.Errorf("Names() = %v", got)
	}
	got, err := s.Substitute("%IPTV_USER%:%IPTV_PASS%")
	if err != nil || got != "bob:quoted pass" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestLoad_missingFile(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d", s.Len())
	}
}

func TestLoad_noDirUsesEnviron(t *testing.T) {
	t.Setenv("GUIDEVAULT_TEST_TOKEN", "tok")
	s, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Substitute("http://host/%GUIDEVAULT_TEST_TOKEN%")
	if err != nil || got != "http://host/tok" {
		t.Errorf("got %q, %v", got, err)
	}
}
