package keys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	t.Setenv("JIMENG_CONFIG_DIR", t.TempDir())

	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store.Path() == "" {
		t.Error("Store.Path() should not be empty")
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStoreAt(tmpDir)

	entry, err := store.Set("work", "us-abcdef123456")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if entry.Region != "us" {
		t.Errorf("Set() region = %q, want us", entry.Region)
	}

	info, err := os.Stat(filepath.Join(tmpDir, "sessions.json"))
	if err != nil {
		t.Fatalf("sessions.json not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("sessions.json permissions = %v, want 0600", info.Mode().Perm())
	}

	got, ok, err := store.Get("work")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.Token != "us-abcdef123456" || got.AddedAt.IsZero() {
		t.Errorf("Get() = %+v", got)
	}

	if _, ok, _ := store.Get("home"); ok {
		t.Error("Get(missing) reported ok")
	}

	if err := store.Delete("work"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := store.Get("work"); ok {
		t.Error("Get() after Delete() reported ok")
	}
	if err := store.Delete("work"); err == nil {
		t.Error("Delete(missing) should return error")
	}
}

func TestStore_DefaultName(t *testing.T) {
	store := NewStoreAt(t.TempDir())

	if _, err := store.Set("", "cn-token"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	entry, ok, _ := store.Get(DefaultName)
	if !ok || entry.Region != "cn" {
		t.Errorf("Get(default) = %+v, %v", entry, ok)
	}
}

func TestStore_SetEmptyToken(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	if _, err := store.Set("x", "   "); !errors.Is(err, ErrNoSession) {
		t.Errorf("Set(empty) error = %v, want ErrNoSession", err)
	}
}

func TestStore_List(t *testing.T) {
	store := NewStoreAt(t.TempDir())

	names, err := store.List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() on empty store = %v, %v", names, err)
	}

	store.Set("sg", "sg-1")
	store.Set("cn", "tok")
	store.Set("hk", "hk-2")

	names, _ = store.List()
	if strings.Join(names, ",") != "cn,hk,sg" {
		t.Errorf("List() = %v, want sorted names", names)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "sessions.json"), []byte("{not json"), 0600)

	if _, _, err := NewStoreAt(dir).Get("x"); err == nil {
		t.Error("Get() on corrupt file should return error")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"us-1234567890abcdef", "us-1***********cdef"},
		{"short", "*****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Mask(tt.token); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}

func TestStore_Resolve(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	store.Set("", "saved-token")

	tests := []struct {
		name       string
		store      *Store
		explicit   string
		env        string
		want       string
		wantSource string
		wantErr    bool
	}{
		{"explicit wins", store, "flag-token", "env-token", "flag-token", "command-line flag", false},
		{"saved before env", store, "", "env-token", "saved-token", "saved session", false},
		{"env fallback", NewStoreAt(t.TempDir()), "", " us-a , us-b ", "us-a", "environment variable", false},
		{"nil store uses env", nil, "", "hk-x", "hk-x", "environment variable", false},
		{"nothing configured", NewStoreAt(t.TempDir()), "", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, source, err := tt.store.Resolve(tt.explicit, "", tt.env)
			if tt.wantErr {
				if !errors.Is(err, ErrNoSession) {
					t.Errorf("Resolve() error = %v, want ErrNoSession", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want || !strings.HasPrefix(source, tt.wantSource) {
				t.Errorf("Resolve() = %q from %q, want %q from %q", got, source, tt.want, tt.wantSource)
			}
		})
	}
}
