package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/outreach/internal/healing"
)

const policyDebounce = 200 * time.Millisecond

// policyFile is the on-disk layout of STAGE_POLICY_FILE:
//
//	default:
//	  max_retries: 3
//	  base_delay: 1s
//	  max_delay: 10s
//	stages:
//	  prospect_search:
//	    max_retries: 5
type policyFile struct {
	Default healing.Policy            `yaml:"default"`
	Stages  map[string]healing.Policy `yaml:"stages"`
}

// PolicySet is a healing.PolicyProvider that can be reloaded while agents use it.
type PolicySet struct {
	path     string
	fallback healing.Policy
	logger   *slog.Logger
	current  atomic.Pointer[healing.StaticPolicies]
}

// NewPolicySet returns a policy set that serves fallback for every stage until a file is
// loaded. An empty path never loads anything.
func NewPolicySet(path string, fallback healing.Policy, logger *slog.Logger) *PolicySet {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PolicySet{path: path, fallback: fallback, logger: logger}
	p.current.Store(&healing.StaticPolicies{Default: fallback})
	return p
}

// Policy implements healing.PolicyProvider.
func (p *PolicySet) Policy(stage string) healing.Policy {
	return p.current.Load().Policy(stage)
}

// Reload reads the policy file. On error the previous policies stay in effect.
func (p *PolicySet) Reload() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read stage policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse stage policy file: %w", err)
	}
	for stage, pol := range f.Stages {
		if pol.MaxRetries < 0 || pol.BaseDelay < 0 || pol.MaxDelay < 0 {
			return fmt.Errorf("stage policy %q has negative values", stage)
		}
	}

	p.current.Store(&healing.StaticPolicies{
		Default: f.Default.Normalize(p.fallback),
		Stages:  f.Stages,
	})
	p.logger.Info("Stage policies loaded", "path", p.path, "stages", len(f.Stages))
	return nil
}

// Watch reloads the policy file whenever it changes until ctx is done. The parent directory is
// watched so that editors replacing the file by rename are seen.
func (p *PolicySet) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(p.path)
	p.logger.Info("Watching stage policy file", "path", target)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(policyDebounce)
			} else {
				debounce.Reset(policyDebounce)
			}
			fire = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Stage policy watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := p.Reload(); err != nil {
				p.logger.Error("Failed to reload stage policies, keeping previous", "error", err)
			}
		}
	}
}
