package toolpaths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func setupTestResolver(t *testing.T, env map[string]string, path map[string]string) *Resolver {
	t.Helper()
	r := NewResolver("", nil)
	r.goos = "linux"
	r.getenv = func(k string) string { return env[k] }
	r.lookPath = func(tool string) (string, error) {
		if p, ok := path[tool]; ok {
			return p, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	return r
}

func TestResolvePrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "custom", "adb")
	writeExecutable(t, explicit)
	writeExecutable(t, filepath.Join(dir, "sdk", "platform-tools", "adb"))

	r := setupTestResolver(t, map[string]string{"ANDROID_SDK_ROOT": filepath.Join(dir, "sdk")}, nil)
	r.Explicit = map[string]string{ADB: explicit}

	got, err := r.Resolve(ADB)
	if err != nil || got != explicit {
		t.Fatalf("Resolve = %q, %v; want %q", got, err, explicit)
	}
}

func TestResolveSDKLayouts(t *testing.T) {
	sdk := t.TempDir()
	writeExecutable(t, filepath.Join(sdk, "emulator", "emulator"))
	writeExecutable(t, filepath.Join(sdk, "platform-tools", "adb"))
	writeExecutable(t, filepath.Join(sdk, "tools", "bin", "avdmanager"))

	r := setupTestResolver(t, map[string]string{"ANDROID_HOME": sdk}, nil)
	for tool, want := range map[string]string{
		Emulator:   filepath.Join(sdk, "emulator", "emulator"),
		ADB:        filepath.Join(sdk, "platform-tools", "adb"),
		AVDManager: filepath.Join(sdk, "tools", "bin", "avdmanager"),
	} {
		got, err := r.Resolve(tool)
		if err != nil || got != want {
			t.Errorf("Resolve(%s) = %q, %v; want %q", tool, got, err, want)
		}
	}
}

func TestResolveFallsBackToPath(t *testing.T) {
	r := setupTestResolver(t, nil, map[string]string{ADB: "/usr/bin/adb"})
	got, err := r.Resolve(ADB)
	if err != nil || got != "/usr/bin/adb" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := setupTestResolver(t, map[string]string{"ANDROID_SDK_ROOT": t.TempDir()}, nil)
	_, err := r.Resolve(Emulator)
	if !errors.Is(err, types.ErrToolNotFound) || !types.IsKind(err, types.KindResource) {
		t.Fatalf("expected ResourceError(ErrToolNotFound), got %v", err)
	}

	r.Explicit = map[string]string{Emulator: filepath.Join(t.TempDir(), "missing")}
	if _, err := r.Resolve(Emulator); !errors.Is(err, types.ErrToolNotFound) {
		t.Fatalf("missing explicit path should not resolve, got %v", err)
	}
}

func TestResolveWindowsSuffixes(t *testing.T) {
	sdk := t.TempDir()
	writeExecutable(t, filepath.Join(sdk, "cmdline-tools", "latest", "bin", "avdmanager.bat"))

	r := setupTestResolver(t, nil, nil)
	r.goos = "windows"
	r.SDKRoot = sdk
	want := filepath.Join(sdk, "cmdline-tools", "latest", "bin", "avdmanager.bat")
	if got, err := r.Resolve(AVDManager); err != nil || got != want {
		t.Fatalf("Resolve = %q, %v; want %q", got, err, want)
	}
}
