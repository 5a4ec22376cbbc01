package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindDotEnvWalksUp(t *testing.T) {
	root := t.TempDir()
	want := filepath.Join(root, ".env")
	if err := os.WriteFile(want, []byte("OTAHARNESS_DEVICE=10.0.0.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := findDotEnv(nested)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestFindDotEnvSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".env"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := findDotEnv(root)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == filepath.Join(root, ".env") {
		t.Fatal("directory named .env must be ignored")
	}
}

func TestLoadExplicitFileKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.env")
	content := "OTAHARNESS_TEST_USER=admin\nOTAHARNESS_TEST_PORT=2222\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvFile, path)
	t.Setenv("OTAHARNESS_TEST_USER", "root")
	t.Setenv("OTAHARNESS_TEST_PORT", "")
	os.Unsetenv("OTAHARNESS_TEST_PORT")

	got, err := load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != path {
		t.Fatalf("expected %s, got %s", path, got)
	}
	if v := os.Getenv("OTAHARNESS_TEST_USER"); v != "root" {
		t.Fatalf("existing value overwritten: %q", v)
	}
	if v := os.Getenv("OTAHARNESS_TEST_PORT"); v != "2222" {
		t.Fatalf("expected value from file, got %q", v)
	}
}

func TestEnsureSkippedUnderGoTest(t *testing.T) {
	t.Setenv("GOTEST_LOAD_DOTENV", "")
	if !runningUnderGoTest() {
		t.Fatal("expected test binary detection")
	}
	if err := Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if LoadedPath() != "" {
		t.Fatalf("expected nothing loaded, got %s", LoadedPath())
	}
}
