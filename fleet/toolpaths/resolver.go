// Package toolpaths locates the Android SDK executables the fleet drives.
package toolpaths

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

const (
	Emulator   = "emulator"
	ADB        = "adb"
	AVDManager = "avdmanager"
)

// sdkLayouts lists the directories under an SDK root where each tool lives,
// newest layout first.
var sdkLayouts = map[string][]string{
	Emulator:   {"emulator", "tools"},
	ADB:        {"platform-tools"},
	AVDManager: {filepath.Join("cmdline-tools", "latest", "bin"), filepath.Join("cmdline-tools", "tools", "bin"), filepath.Join("tools", "bin")},
}

// Resolver resolves tools from explicit paths, then the SDK root, then PATH.
// Successful lookups are cached.
type Resolver struct {
	// Explicit maps a tool name to a configured path.
	Explicit map[string]string
	// SDKRoot overrides the ANDROID_SDK_ROOT and ANDROID_HOME environment.
	SDKRoot string

	lookPath func(string) (string, error)
	getenv   func(string) string
	goos     string

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a Resolver for the host.
func NewResolver(sdkRoot string, explicit map[string]string) *Resolver {
	return &Resolver{
		Explicit: explicit,
		SDKRoot:  sdkRoot,
		lookPath: exec.LookPath,
		getenv:   os.Getenv,
		goos:     runtime.GOOS,
		cache:    make(map[string]string),
	}
}

// SDKRoots returns the candidate SDK roots in precedence order.
func (r *Resolver) SDKRoots() []string {
	var roots []string
	for _, root := range []string{r.SDKRoot, r.getenv("ANDROID_SDK_ROOT"), r.getenv("ANDROID_HOME")} {
		if root != "" {
			roots = append(roots, root)
		}
	}
	return roots
}

// Resolve returns the absolute path of tool or a ResourceError wrapping
// types.ErrToolNotFound.
func (r *Resolver) Resolve(tool string) (string, error) {
	r.mu.Lock()
	if p, ok := r.cache[tool]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	if p := r.Explicit[tool]; p != "" {
		if isExecutable(p) {
			return r.remember(tool, p), nil
		}
		return "", types.Resource("resolve", "", types.ErrToolNotFound, "configured %s path %s is not an executable file", tool, p)
	}

	for _, root := range r.SDKRoots() {
		for _, dir := range sdkLayouts[tool] {
			for _, name := range r.fileNames(tool) {
				p := filepath.Join(root, dir, name)
				if isExecutable(p) {
					return r.remember(tool, p), nil
				}
			}
		}
	}

	if p, err := r.lookPath(tool); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		return r.remember(tool, p), nil
	}
	return "", types.Resource("resolve", "", types.ErrToolNotFound, "%s not found in configuration, SDK root or PATH", tool)
}

// Forget drops cached lookups, for example after the configuration changed.
func (r *Resolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

func (r *Resolver) remember(tool, path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[tool] = path
	return path
}

func (r *Resolver) fileNames(tool string) []string {
	if r.goos != "windows" {
		return []string{tool}
	}
	if tool == AVDManager {
		return []string{tool + ".bat", tool + ".exe"}
	}
	return []string{tool + ".exe"}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0111 != 0
}
