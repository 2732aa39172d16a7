package cloner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bionicdonkey/AndroidMulti/fleet/types"
)

// Registrar is the part of the registry the cloner needs.
type Registrar interface {
	Get(name string) (types.InstanceRecord, error)
	HasDeviceID(deviceID string) bool
	Register(rec types.InstanceRecord) (types.InstanceRecord, error)
}

// Config holds configuration options for the Cloner.
type Config struct {
	AVDHome  string    // Directory holding <name>.avd and <name>.ini definitions.
	Registry Registrar // Required.
	Logger   *slog.Logger

	// FreeSpace reports the bytes available to unprivileged users on the
	// volume holding path. Defaults to the host filesystem query.
	FreeSpace func(path string) (uint64, error)
	// NewDeviceID defaults to uuid.NewString.
	NewDeviceID func() string
}

// Cloner produces independent device definitions from templates.
type Cloner struct {
	avdHome     string
	registry    Registrar
	logger      *slog.Logger
	freeSpace   func(path string) (uint64, error)
	newDeviceID func() string
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool // Names with a clone in progress.
}

// DefaultAVDHome returns the directory the emulator reads definitions from,
// honoring ANDROID_AVD_HOME and ANDROID_USER_HOME.
func DefaultAVDHome() string {
	if dir := os.Getenv("ANDROID_AVD_HOME"); dir != "" {
		return dir
	}
	if dir := os.Getenv("ANDROID_USER_HOME"); dir != "" {
		return filepath.Join(dir, "avd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".android", "avd")
	}
	return filepath.Join(home, ".android", "avd")
}

// New creates a new Cloner.
func New(config Config) (*Cloner, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	avdHome := config.AVDHome
	if avdHome == "" {
		avdHome = DefaultAVDHome()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	freeSpace := config.FreeSpace
	if freeSpace == nil {
		freeSpace = availableBytes
	}
	newID := config.NewDeviceID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Cloner{
		avdHome:     avdHome,
		registry:    config.Registry,
		logger:      logger.With("component", "Cloner"),
		freeSpace:   freeSpace,
		newDeviceID: newID,
		now:         time.Now,
		inFlight:    make(map[string]bool),
	}, nil
}

// AVDHome returns the definitions directory.
func (c *Cloner) AVDHome() string {
	return c.avdHome
}

// Clone copies the template definition to a new definition named
// desiredName, rewrites its identifiers and registers it. On any failure
// nothing is left on disk and nothing is registered.
func (c *Cloner) Clone(ctx context.Context, templateID, desiredName string, progress types.ProgressFunc) (types.InstanceRecord, error) {
	if progress == nil {
		progress = types.NoProgress
	}
	name := strings.TrimSpace(desiredName)

	progress("validate", 5)
	release, err := c.reserve(name)
	if err != nil {
		return types.InstanceRecord{}, err
	}
	defer release()

	srcDir, srcIni, err := c.validate(templateID, name)
	if err != nil {
		return types.InstanceRecord{}, err
	}
	dstDir := filepath.Join(c.avdHome, name+".avd")
	dstIni := filepath.Join(c.avdHome, name+".ini")

	required, err := treeSize(srcDir)
	if err != nil {
		return types.InstanceRecord{}, types.IO("clone", name, err, "failed to size template %s", templateID)
	}
	if free, err := c.freeSpace(c.avdHome); err != nil {
		c.logger.Warn("Could not determine free space, continuing", "path", c.avdHome, "error", err)
	} else if free < required {
		return types.InstanceRecord{}, types.Resource("clone", name, types.ErrInsufficientSpace,
			"template %s needs %d bytes, %d available", templateID, required, free)
	}

	deviceID := c.uniqueDeviceID()
	staging := filepath.Join(c.avdHome, fmt.Sprintf(".%s.avd.partial-%s", name, deviceID))

	// Cleanup only touches paths this call created.
	var committed, movedDir, wroteIni bool
	defer func() {
		if committed {
			return
		}
		remove := []string{staging}
		if movedDir {
			remove = append(remove, dstDir)
		}
		if wroteIni {
			remove = append(remove, dstIni)
		}
		for _, p := range remove {
			if err := os.RemoveAll(p); err != nil {
				c.logger.Warn("Failed to remove partial clone", "path", p, "error", err)
			}
		}
	}()

	c.logger.Info("Cloning template", "template", templateID, "instance", name, "deviceId", deviceID, "bytes", required)
	err = copyTree(ctx, srcDir, staging, func(done int64) {
		pct := 10
		if required > 0 {
			pct += int(70 * done / int64(required))
		}
		if pct > 80 {
			pct = 80
		}
		progress("copy", pct)
	})
	if err != nil {
		return types.InstanceRecord{}, copyError(name, err)
	}

	progress("rewrite", 85)
	if err := rewriteConfig(filepath.Join(staging, "config.ini"), name, deviceID); err != nil {
		return types.InstanceRecord{}, types.IO("clone", name, err, "failed to rewrite definition config")
	}
	if err := ensureAbsent(name, dstDir, dstIni); err != nil {
		return types.InstanceRecord{}, err
	}
	if err := os.Rename(staging, dstDir); err != nil {
		return types.InstanceRecord{}, types.IO("clone", name, err, "failed to move clone into place")
	}
	movedDir = true
	if err := ensureAbsent(name, dstIni); err != nil {
		return types.InstanceRecord{}, err
	}
	wroteIni = true
	if err := writePointerIni(srcIni, dstIni, dstDir); err != nil {
		return types.InstanceRecord{}, types.IO("clone", name, err, "failed to write %s", filepath.Base(dstIni))
	}

	progress("register", 95)
	rec, err := c.registry.Register(types.InstanceRecord{
		Name:      name,
		DeviceID:  deviceID,
		Template:  templateID,
		AVDPath:   dstDir,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		return types.InstanceRecord{}, err
	}
	committed = true

	progress("done", 100)
	c.logger.Info("Clone registered", "instance", rec.Name, "port", rec.Port, "path", dstDir)
	return rec, nil
}

// reserve claims name for one clone at a time. The returned func releases it.
func (c *Cloner) reserve(name string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[name] {
		return nil, types.Validation("clone", name, types.ErrDuplicateName, "a clone named %q is already in progress", name)
	}
	c.inFlight[name] = true
	return func() {
		c.mu.Lock()
		delete(c.inFlight, name)
		c.mu.Unlock()
	}, nil
}

// validate checks the request and returns the template's definition
// directory and pointer file.
func (c *Cloner) validate(templateID, name string) (string, string, error) {
	if name == "" {
		return "", "", types.Validation("clone", "", types.ErrEmptyName, "instance name must not be empty")
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) || strings.HasPrefix(name, ".") {
		return "", "", types.Validation("clone", name, nil, "instance name %q is not a valid definition name", name)
	}
	if _, err := c.registry.Get(name); err == nil {
		return "", "", types.Validation("clone", name, types.ErrDuplicateName, "an instance named %q already exists", name)
	}

	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return "", "", types.Validation("clone", name, types.ErrTemplateNotFound, "template must not be empty")
	}
	srcDir, srcIni, err := c.resolveTemplate(templateID)
	if err != nil {
		return "", "", types.Validation("clone", name, types.ErrTemplateNotFound, "template %q: %v", templateID, err)
	}

	if err := ensureAbsent(name, filepath.Join(c.avdHome, name+".avd"), filepath.Join(c.avdHome, name+".ini")); err != nil {
		return "", "", err
	}
	return srcDir, srcIni, nil
}

// ensureAbsent fails when any of paths already exists.
func ensureAbsent(name string, paths ...string) error {
	for _, p := range paths {
		if _, err := os.Lstat(p); err == nil {
			return types.Validation("clone", name, types.ErrDuplicateName, "%s already exists in %s", filepath.Base(p), filepath.Dir(p))
		}
	}
	return nil
}

func (c *Cloner) uniqueDeviceID() string {
	for {
		id := c.newDeviceID()
		if !c.registry.HasDeviceID(id) {
			return id
		}
		c.logger.Warn("Device identifier collision, regenerating", "deviceId", id)
	}
}

func copyError(name string, err error) error {
	if isNoSpace(err) {
		return types.Resource("clone", name, errors.Join(types.ErrInsufficientSpace, err), "disk filled up while copying")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.IO("clone", name, err, "failed to copy template")
}

// RemoveDefinition deletes the on-disk definition of rec.
func (c *Cloner) RemoveDefinition(rec types.InstanceRecord) error {
	dir := rec.AVDPath
	if dir == "" {
		dir = filepath.Join(c.avdHome, rec.AVDName()+".avd")
	}
	ini := filepath.Join(filepath.Dir(dir), rec.AVDName()+".ini")

	var errs []error
	for _, p := range []string{dir, ini} {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return types.IO("delete", rec.Name, err, "failed to remove definition")
	}
	c.logger.Info("Definition removed", "instance", rec.Name, "path", dir)
	return nil
}

// ClearStaleLocks removes lock files and lock directories left behind by an
// emulator that did not shut down cleanly. It returns the number removed.
func (c *Cloner) ClearStaleLocks(avdPath string) int {
	entries, err := os.ReadDir(avdPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to scan for stale locks", "path", avdPath, "error", err)
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !isLockName(entry.Name()) {
			continue
		}
		p := filepath.Join(avdPath, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			c.logger.Warn("Failed to remove stale lock", "path", p, "error", err)
			continue
		}
		c.logger.Debug("Removed stale lock", "path", p)
		removed++
	}
	return removed
}
