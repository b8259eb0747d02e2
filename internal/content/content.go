// Package content resolves the localized strings a voice session needs:
// the system prompt body, the wake greeting set and the date/time
// phrasing rules used to tell the model what day it is.
//
// Each field resolves independently through the same precedence:
// a user-authored custom override (language independent), then the
// asset for the requested language and its parent tags, then the
// English base asset.
package content

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed assets
var embedded embed.FS

// BaseLanguage is the language every lookup falls back to.
const BaseLanguage = "en"

// Source values recorded for each resolved field.
const (
	SourceCustom   = "custom"
	SourceSettings = "settings"
)

const customPromptFile = "custom.md"

// ErrNoBaseAsset means the asset store has no English entry for a
// field. The embedded store always has one, so this only surfaces
// with a broken override directory.
var ErrNoBaseAsset = errors.New("content: base language asset missing")

// Localized is the resolved content for one language.
type Localized struct {
	// Language is the language that was requested.
	Language string `json:"language"`

	Prompt    string   `json:"prompt"`
	Greetings []string `json:"greetings"`
	Phrasing  Phrasing `json:"phrasing"`

	// PromptSource, GreetingsSource and PhrasingSource name where each
	// field came from: "custom", "settings" or a language tag.
	PromptSource    string `json:"prompt_source"`
	GreetingsSource string `json:"greetings_source"`
	PhrasingSource  string `json:"phrasing_source"`

	// Fallback is set when any field came from an asset for a language
	// other than the requested one.
	Fallback bool `json:"fallback"`
}

// WithGreetings returns a copy whose greetings are replaced by a
// user-authored list. An empty list returns l unchanged.
func (l *Localized) WithGreetings(greetings []string) *Localized {
	if len(greetings) == 0 {
		return l
	}
	out := *l
	out.Greetings = append([]string(nil), greetings...)
	out.GreetingsSource = SourceSettings
	return &out
}

// contentFile is the YAML shape of assets/<lang>/content.yaml.
type contentFile struct {
	Greetings []string `yaml:"greetings"`
	Phrasing  Phrasing `yaml:"phrasing"`
}

// Resolver resolves localized content from an asset store. The store
// is the embedded assets optionally shadowed by a directory on disk.
type Resolver struct {
	assets    fs.FS
	customDir string

	mu    sync.Mutex
	files map[string]*contentFile // parsed content.yaml per tag, nil = absent
}

// NewResolver creates a resolver. overrideDir may be empty; when set,
// files under it shadow the embedded assets (same layout:
// <lang>/prompt.md, <lang>/content.yaml). customDir holds the
// user-authored custom prompt.
func NewResolver(overrideDir, customDir string) *Resolver {
	base, _ := fs.Sub(embedded, "assets")
	var assets fs.FS = base
	if overrideDir != "" {
		assets = overlayFS{upper: os.DirFS(overrideDir), lower: base}
	}
	return NewResolverFS(assets, customDir)
}

// NewResolverFS creates a resolver over an arbitrary asset store.
func NewResolverFS(assets fs.FS, customDir string) *Resolver {
	return &Resolver{
		assets:    assets,
		customDir: customDir,
		files:     make(map[string]*contentFile),
	}
}

// Resolve returns the content for lang. customOverride enables the
// user-authored custom prompt; when the custom prompt does not exist
// the language asset is used instead.
func (r *Resolver) Resolve(lang string, customOverride bool) (*Localized, error) {
	chain := fallbackChain(lang)
	out := &Localized{Language: chain[0]}

	if customOverride {
		if prompt, ok, err := r.CustomPrompt(); err != nil {
			return nil, err
		} else if ok {
			out.Prompt = prompt
			out.PromptSource = SourceCustom
		}
	}

	if out.PromptSource == "" {
		for _, tag := range chain {
			data, err := fs.ReadFile(r.assets, path.Join(tag, "prompt.md"))
			if err != nil {
				continue
			}
			out.Prompt = string(data)
			out.PromptSource = tag
			break
		}
		if out.PromptSource == "" {
			return nil, fmt.Errorf("%w: prompt", ErrNoBaseAsset)
		}
	}

	for _, tag := range chain {
		cf, err := r.contentFile(tag)
		if err != nil {
			return nil, err
		}
		if cf == nil {
			continue
		}
		if out.GreetingsSource == "" && len(cf.Greetings) > 0 {
			out.Greetings = append([]string(nil), cf.Greetings...)
			out.GreetingsSource = tag
		}
		if out.PhrasingSource == "" && cf.Phrasing.valid() {
			out.Phrasing = cf.Phrasing
			out.PhrasingSource = tag
		}
	}
	if out.GreetingsSource == "" {
		return nil, fmt.Errorf("%w: greetings", ErrNoBaseAsset)
	}
	if out.PhrasingSource == "" {
		return nil, fmt.Errorf("%w: phrasing", ErrNoBaseAsset)
	}

	for _, src := range []string{out.PromptSource, out.GreetingsSource, out.PhrasingSource} {
		if src != SourceCustom && src != out.Language {
			out.Fallback = true
		}
	}
	return out, nil
}

// Languages lists the language tags that ship a content file.
func (r *Resolver) Languages() []string {
	entries, err := fs.ReadDir(r.assets, ".")
	if err != nil {
		return nil
	}
	var langs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(r.assets, path.Join(e.Name(), "content.yaml")); err == nil {
			langs = append(langs, e.Name())
		}
	}
	return langs
}

// DefaultPrompt returns the shipped prompt for lang, ignoring any
// custom override.
func (r *Resolver) DefaultPrompt(lang string) (string, error) {
	loc, err := r.Resolve(lang, false)
	if err != nil {
		return "", err
	}
	return loc.Prompt, nil
}

// CustomPrompt returns the user-authored prompt and whether it exists.
func (r *Resolver) CustomPrompt() (string, bool, error) {
	if r.customDir == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(filepath.Join(r.customDir, customPromptFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read custom prompt: %w", err)
	}
	return string(data), true, nil
}

// SaveCustomPrompt writes the user-authored prompt.
func (r *Resolver) SaveCustomPrompt(prompt string) error {
	if r.customDir == "" {
		return errors.New("content: no directory configured for the custom prompt")
	}
	if err := os.MkdirAll(r.customDir, 0o755); err != nil {
		return fmt.Errorf("create prompt dir: %w", err)
	}
	dest := filepath.Join(r.customDir, customPromptFile)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, []byte(prompt), 0o644); err != nil {
		return fmt.Errorf("write custom prompt: %w", err)
	}
	return os.Rename(tmp, dest)
}

// contentFile loads and caches assets/<tag>/content.yaml. A missing
// file yields nil without error.
func (r *Resolver) contentFile(tag string) (*contentFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cf, ok := r.files[tag]; ok {
		return cf, nil
	}

	data, err := fs.ReadFile(r.assets, path.Join(tag, "content.yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		r.files[tag] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s content: %w", tag, err)
	}

	var cf contentFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse %s content: %w", tag, err)
	}
	r.files[tag] = &cf
	return &cf, nil
}

// fallbackChain returns lang, its parent tags, and the base language,
// without duplicates. An unparsable tag resolves straight to the base.
func fallbackChain(lang string) []string {
	tag, err := language.Parse(lang)
	if err != nil {
		return []string{BaseLanguage}
	}

	var chain []string
	seen := make(map[string]bool)
	for t := tag; !t.IsRoot(); t = t.Parent() {
		s := t.String()
		if !seen[s] {
			chain = append(chain, s)
			seen[s] = true
		}
	}
	if !seen[BaseLanguage] {
		chain = append(chain, BaseLanguage)
	}
	return chain
}

// overlayFS serves files from upper when present, else from lower.
type overlayFS struct {
	upper, lower fs.FS
}

func (o overlayFS) Open(name string) (fs.File, error) {
	f, err := o.upper.Open(name)
	if err == nil {
		return f, nil
	}
	return o.lower.Open(name)
}

// ReadDir merges both layers so a partial override directory does not
// hide the embedded languages.
func (o overlayFS) ReadDir(name string) ([]fs.DirEntry, error) {
	seen := make(map[string]bool)
	var out []fs.DirEntry
	for _, layer := range []fs.FS{o.upper, o.lower} {
		entries, err := fs.ReadDir(layer, name)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !seen[e.Name()] {
				seen[e.Name()] = true
				out = append(out, e)
			}
		}
	}
	if out == nil {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}
