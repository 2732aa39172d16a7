package cloner

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/bionicdonkey/AndroidMulti/fleet/fsutil"
)

func init() {
	// The emulator expects key=value without padding.
	ini.PrettyFormat = false
}

var loadOptions = ini.LoadOptions{
	IgnoreInlineComment:     true,
	PreserveSurroundedQuote: true,
	SkipUnrecognizableLines: true,
}

// deviceHash derives the hw.device.hash2 value of a clone.
func deviceHash(deviceID string) string {
	sum := md5.Sum([]byte(deviceID))
	return hex.EncodeToString(sum[:])
}

// rewriteConfig points the identifiers inside a copied config.ini at the
// clone so it does not alias its template.
func rewriteConfig(path, name, deviceID string) error {
	cfg, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = ini.Empty(loadOptions)
		} else {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	sec := cfg.Section(ini.DefaultSection)
	sec.Key("avd.name").SetValue(name)
	sec.Key("AvdId").SetValue(name)
	sec.Key("avd.id").SetValue(deviceID)
	sec.Key("hw.device.hash2").SetValue(deviceHash(deviceID))

	return saveIni(cfg, path)
}

// writePointerIni writes <name>.ini from the template's pointer file with an
// absolute path to the clone. path.rel is dropped so the emulator cannot
// resolve the clone to the template's directory.
func writePointerIni(templateIni, cloneIni, cloneDir string) error {
	cfg, err := ini.LoadSources(loadOptions, templateIni)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", templateIni, err)
	}
	sec := cfg.Section(ini.DefaultSection)
	sec.DeleteKey("path.rel")
	sec.Key("path").SetValue(filepath.ToSlash(cloneDir))
	return saveIni(cfg, cloneIni)
}

func saveIni(cfg *ini.File, path string) error {
	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// resolveTemplate locates the definition behind <avdHome>/<name>.ini. The
// pointer file's path= wins; <avdHome>/<name>.avd is the fallback.
func (c *Cloner) resolveTemplate(name string) (dir, iniPath string, err error) {
	iniPath = filepath.Join(c.avdHome, name+".ini")
	cfg, err := ini.LoadSources(loadOptions, iniPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("no %s.ini in %s", name, c.avdHome)
		}
		return "", "", fmt.Errorf("unreadable %s: %w", iniPath, err)
	}
	return c.templateDir(name, cfg.Section(ini.DefaultSection))
}

func (c *Cloner) templateDir(name string, sec *ini.Section) (string, string, error) {
	iniPath := filepath.Join(c.avdHome, name+".ini")
	if p := sec.Key("path").String(); p != "" {
		if info, err := os.Stat(filepath.FromSlash(p)); err == nil && info.IsDir() {
			return filepath.FromSlash(p), iniPath, nil
		}
	}
	dir := filepath.Join(c.avdHome, name+".avd")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", "", fmt.Errorf("no definition directory for %s", name)
	}
	return dir, iniPath, nil
}

// Template describes a definition that can be cloned.
type Template struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Target   string `json:"target,omitempty"`
	APILevel string `json:"apiLevel,omitempty"`
	Device   string `json:"device,omitempty"`
}

// ListTemplates returns every definition found in the AVD home, sorted by
// name. Pointer files whose directory is missing are skipped.
func (c *Cloner) ListTemplates() ([]Template, error) {
	matches, err := filepath.Glob(filepath.Join(c.avdHome, "*.ini"))
	if err != nil {
		return nil, err
	}

	templates := make([]Template, 0, len(matches))
	for _, iniPath := range matches {
		name := strings.TrimSuffix(filepath.Base(iniPath), ".ini")
		if strings.HasPrefix(name, ".") {
			continue
		}
		cfg, err := ini.LoadSources(loadOptions, iniPath)
		if err != nil {
			c.logger.Warn("Skipping unreadable definition", "path", iniPath, "error", err)
			continue
		}
		sec := cfg.Section(ini.DefaultSection)

		dir, _, err := c.templateDir(name, sec)
		if err != nil {
			continue
		}

		t := Template{
			Name:   name,
			Path:   dir,
			Target: sec.Key("target").String(),
		}
		t.APILevel = strings.TrimPrefix(t.Target, "android-")
		if devCfg, err := ini.LoadSources(loadOptions, filepath.Join(dir, "config.ini")); err == nil {
			t.Device = devCfg.Section(ini.DefaultSection).Key("hw.device.name").String()
		}
		templates = append(templates, t)
	}
	return templates, nil
}
