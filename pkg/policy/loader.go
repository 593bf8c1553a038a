package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cogworks/cogworks/pkg/telemetry"
)

// Settings files recognised in a rules directory.
var settingsFiles = []string{"settings.yaml", "settings.yml", "settings.json"}

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 250 * time.Millisecond

// Loader reads a rules directory: every .rego file below it plus an
// optional settings file at its root.
type Loader struct {
	dir         string
	logger      *telemetry.Logger
	reloadDelay time.Duration
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Loader{
		dir:         dir,
		logger:      logger.NewComponentLogger("policy-loader"),
		reloadDelay: DefaultReloadDelay,
	}
}

// Dir returns the rules directory.
func (l *Loader) Dir() string { return l.dir }

// Load reads the directory. Any unreadable file fails the whole load.
func (l *Loader) Load(ctx context.Context) (*RuleSet, error) {
	info, err := os.Stat(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules path %s is not a directory", l.dir)
	}

	rs := &RuleSet{}
	err = filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		rule, err := l.loadRule(path)
		if err != nil {
			return err
		}
		rs.Rules = append(rs.Rules, rule)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk rules directory: %w", err)
	}
	sort.Slice(rs.Rules, func(i, j int) bool { return rs.Rules[i].Name < rs.Rules[j].Name })

	settings, err := l.loadSettings()
	if err != nil {
		return nil, err
	}
	rs.Settings = settings

	l.logger.WithField("rules", len(rs.Rules)).Debugf("Loaded rules from %s", l.dir)
	return rs, nil
}

func (l *Loader) loadRule(path string) (Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	rel, err := filepath.Rel(l.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return Rule{
		Name:        strings.TrimSuffix(filepath.ToSlash(rel), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Source:      path,
	}, nil
}

func (l *Loader) loadSettings() (Settings, error) {
	var s Settings
	for _, name := range settingsFiles {
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return s, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, &s)
		} else {
			err = yaml.Unmarshal(data, &s)
		}
		if err != nil {
			return s, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return s, nil
	}
	return s, nil
}

// extractDescription joins the leading comment block of a module.
func extractDescription(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" || b.Len() > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(comment)
	}
	return b.String()
}

// Watch calls reload with a freshly loaded RuleSet after files in the
// directory change, until ctx is done. Load errors are passed to reload
// as a nil RuleSet and the error, so the caller decides what a broken
// edit means.
func (l *Loader) Watch(ctx context.Context, reload func(*RuleSet, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := l.addDirs(watcher); err != nil {
		_ = watcher.Close()
		return err
	}

	go l.processEvents(ctx, watcher, reload)

	l.logger.Infof("Watching rules directory %s", l.dir)
	return nil
}

// addDirs watches the directory and every subdirectory. fsnotify does not
// recurse on its own.
func (l *Loader) addDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (l *Loader) relevant(name string) bool {
	if strings.HasSuffix(name, ".rego") {
		return true
	}
	base := filepath.Base(name)
	for _, s := range settingsFiles {
		if base == s {
			return true
		}
	}
	return false
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, reload func(*RuleSet, error)) {
	defer watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	fire := func() {
		rs, err := l.Load(ctx)
		if ctx.Err() != nil {
			return
		}
		reload(rs, err)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						l.logger.WithError(err).Warnf("Failed to watch new directory %s", event.Name)
					}
					continue
				}
			}
			if !l.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.WithField("file", event.Name).WithField("op", event.Op.String()).Debug("Rules file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.reloadDelay, fire)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Error("Rules watcher error")
		}
	}
}
