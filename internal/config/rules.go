// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/embedbot/ingest/internal/log"
)

// urlCharClass is substituted for the $URLCHAR macro in rule patterns so
// operators don't have to repeat the RFC 3986 character class by hand.
const urlCharClass = `[A-Za-z0-9\-._~:/?#\[\]@!$&'()*+,;=%]`

// LinkRule rewrites recognized URLs before classification. Typical use:
// mapping share-link mirrors onto their canonical host.
type LinkRule struct {
	Pattern string `yaml:"pattern"`
	Fixup   string `yaml:"fixup,omitempty"`
}

type rulesFile struct {
	Rules []LinkRule `yaml:"rules"`
}

type compiledRule struct {
	re    *regexp.Regexp
	fixup string
}

// Rules is a hot-reloadable set of link rules. The zero value matches
// nothing and rewrites nothing.
type Rules struct {
	mu    sync.RWMutex
	rules []compiledRule
	path  string
}

// LoadRules reads and compiles the rule file. An empty path yields an
// empty, valid rule set.
func LoadRules(path string) (*Rules, error) {
	r := &Rules{path: path}
	if path == "" {
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rules) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var parsed rulesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	compiled := make([]compiledRule, 0, len(parsed.Rules))
	for i, rule := range parsed.Rules {
		pattern := strings.ReplaceAll(rule.Pattern, "$URLCHAR", urlCharClass)
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		compiled = append(compiled, compiledRule{re: re, fixup: rule.Fixup})
	}

	r.mu.Lock()
	r.rules = compiled
	r.mu.Unlock()
	return nil
}

// Apply returns the URL after the first matching rule's fixup, or the
// input unchanged when no rule matches or the rule has no fixup.
func (r *Rules) Apply(url string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if !rule.re.MatchString(url) {
			continue
		}
		if rule.fixup == "" {
			return url
		}
		return rule.re.ReplaceAllString(url, rule.fixup)
	}
	return url
}

// Len reports the number of active rules.
func (r *Rules) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Watch reloads the rule file whenever it changes, until stop is closed.
// Reload failures keep the previous rule set active.
func (r *Rules) Watch(stop <-chan struct{}) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config pushers
	// replace the file via rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch rules dir: %w", err)
	}

	logger := log.WithComponent("rules")
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.reload(); err != nil {
					logger.Warn().Err(err).Msg("rules reload failed, keeping previous set")
					continue
				}
				logger.Info().Int("rules", r.Len()).Msg("link rules reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return nil
}
