// Package update checks a release feed for a newer version and reports the
// outcome as updater events. Downloading and installing are left to the
// platform installer.
package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/version"
)

// Updater event statuses.
const (
	StatusChecking  = "checking"
	StatusAvailable = "available"
	StatusNone      = "none"
	StatusError     = "error"
)

const fetchTimeout = 30 * time.Second

// Release is the release descriptor published in the feed, in the
// electron-builder generic provider layout.
type Release struct {
	Version      string        `yaml:"version" json:"version"`
	Path         string        `yaml:"path,omitempty" json:"path,omitempty"`
	SHA512       string        `yaml:"sha512,omitempty" json:"sha512,omitempty"`
	ReleaseDate  string        `yaml:"releaseDate,omitempty" json:"releaseDate,omitempty"`
	ReleaseNotes string        `yaml:"releaseNotes,omitempty" json:"releaseNotes,omitempty"`
	Files        []ReleaseFile `yaml:"files,omitempty" json:"files,omitempty"`
}

type ReleaseFile struct {
	URL    string `yaml:"url" json:"url"`
	SHA512 string `yaml:"sha512,omitempty" json:"sha512,omitempty"`
	Size   int64  `yaml:"size,omitempty" json:"size,omitempty"`
}

// Publisher receives updater events.
type Publisher interface {
	Publish(typ string, data any) events.Event
}

// Orchestrator runs update checks.
type Orchestrator struct {
	feed    string
	current string
	goos    string
	http    *http.Client
	events  Publisher
	log     *log.Logger
}

// New returns an orchestrator for feed. An empty feed disables checks.
// Feeds must be http or https URLs.
func New(feed string, events Publisher, logger *log.Logger) (*Orchestrator, error) {
	feed = strings.TrimSuffix(strings.TrimSpace(feed), "/")
	if feed != "" && !strings.HasPrefix(feed, "http") {
		return nil, fmt.Errorf("update feed must be an http(s) url: %q", feed)
	}
	return &Orchestrator{
		feed:    feed,
		current: version.Version,
		goos:    runtime.GOOS,
		http:    &http.Client{Timeout: fetchTimeout},
		events:  events,
		log:     logger,
	}, nil
}

// Enabled reports whether a feed is configured.
func (o *Orchestrator) Enabled() bool { return o.feed != "" }

// manifest returns the feed file for the platform.
func manifest(goos string) string {
	switch goos {
	case "darwin":
		return "latest-mac.yml"
	case "linux":
		return "latest-linux.yml"
	default:
		return "latest.yml"
	}
}

func (o *Orchestrator) publish(status string, kv map[string]any) {
	data := map[string]any{"type": status}
	for k, v := range kv {
		data[k] = v
	}
	o.events.Publish(events.Updater, data)
}

// Check fetches the feed and publishes checking followed by available,
// none or error. It returns the newer release, if any.
func (o *Orchestrator) Check(ctx context.Context) (*Release, error) {
	o.publish(StatusChecking, nil)
	if !o.Enabled() {
		o.log.Debug("no update feed configured")
		o.publish(StatusNone, map[string]any{"info": map[string]string{"version": o.current}})
		return nil, nil
	}

	rel, err := o.fetch(ctx)
	if err != nil {
		o.log.Warn("update check failed", "err", err)
		o.publish(StatusError, map[string]any{"error": err.Error()})
		return nil, err
	}
	newer, err := isNewer(rel.Version, o.current)
	if err != nil {
		o.log.Warn("update check failed", "err", err)
		o.publish(StatusError, map[string]any{"error": err.Error()})
		return nil, err
	}
	if !newer {
		o.log.Info("no update available", "current", o.current, "latest", rel.Version)
		o.publish(StatusNone, map[string]any{"info": rel})
		return nil, nil
	}
	o.log.Info("update available", "version", rel.Version)
	o.publish(StatusAvailable, map[string]any{"info": rel})
	return rel, nil
}

func (o *Orchestrator) fetch(ctx context.Context) (*Release, error) {
	url := o.feed + "/" + manifest(o.goos)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var rel Release
	if err := yaml.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	if rel.Version == "" {
		return nil, fmt.Errorf("parse %s: missing version", url)
	}
	return &rel, nil
}

// isNewer reports whether latest is a higher version than current.
// Prereleases are never offered.
func isNewer(latest, current string) (bool, error) {
	l, err := semver.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("invalid release version %q: %w", latest, err)
	}
	if l.Prerelease() != "" {
		return false, nil
	}
	c, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("invalid current version %q: %w", current, err)
	}
	return l.GreaterThan(c), nil
}
