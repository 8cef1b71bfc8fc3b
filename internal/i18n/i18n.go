// Package i18n serves the fixed SeniorCare message catalogs.
//
// Lookups fall back to English and then to the key itself. Messages may
// contain {{name}} placeholders.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	// FallbackLanguage is consulted when a key is missing.
	FallbackLanguage = "en"
	// DefaultLanguage is the language a new Translator starts in.
	DefaultLanguage = "pt"
)

//go:embed locales/*.yaml
var embeddedLocales embed.FS

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	Name string `yaml:"name"`
	Flag string `yaml:"flag"`
	Dir  string `yaml:"dir"`
}

type localeFile struct {
	Language LanguageInfo      `yaml:"language"`
	Messages map[string]string `yaml:"messages"`
}

// Catalog holds every locale. It is immutable after loading.
type Catalog struct {
	codes    []string
	info     map[string]LanguageInfo
	messages map[string]map[string]string
	matcher  language.Matcher
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = LoadFS(embeddedLocales)
	})
	return defaultCatalog, defaultErr
}

// LoadFS loads locales/<code>.yaml files from fsys.
func LoadFS(fsys fs.FS) (*Catalog, error) {
	paths, err := fs.Glob(fsys, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locales: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no locale files found")
	}
	sort.Strings(paths)

	c := &Catalog{
		info:     map[string]LanguageInfo{},
		messages: map[string]map[string]string{},
	}
	for _, p := range paths {
		code := strings.TrimSuffix(path.Base(p), ".yaml")
		b, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		var lf localeFile
		if err := yaml.Unmarshal(b, &lf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		if _, err := language.Parse(code); err != nil {
			return nil, fmt.Errorf("%s: invalid language code: %w", p, err)
		}
		c.codes = append(c.codes, code)
		c.info[code] = lf.Language
		c.messages[code] = lf.Messages
	}
	if _, ok := c.messages[FallbackLanguage]; !ok {
		return nil, fmt.Errorf("fallback locale %q missing", FallbackLanguage)
	}

	// The fallback goes first so the matcher prefers it when nothing fits.
	tags := []language.Tag{language.Make(FallbackLanguage)}
	for _, code := range c.codes {
		if code != FallbackLanguage {
			tags = append(tags, language.Make(code))
		}
	}
	c.matcher = language.NewMatcher(tags)
	return c, nil
}

// Languages lists supported codes in sorted order.
func (c *Catalog) Languages() []string { return append([]string(nil), c.codes...) }

func (c *Catalog) Info(code string) (LanguageInfo, bool) {
	li, ok := c.info[code]
	return li, ok
}

func (c *Catalog) Supports(code string) bool {
	_, ok := c.messages[code]
	return ok
}

// Match picks the best supported language for an Accept-Language value.
func (c *Catalog) Match(acceptLanguage string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return FallbackLanguage
	}
	tag, _, _ := c.matcher.Match(tags...)
	base, _ := tag.Base()
	if c.Supports(base.String()) {
		return base.String()
	}
	return FallbackLanguage
}

// Lookup translates key for lang.
func (c *Catalog) Lookup(lang, key string, params map[string]string) string {
	text, ok := c.messages[lang][key]
	if !ok {
		text, ok = c.messages[FallbackLanguage][key]
	}
	if !ok {
		text = key
	}
	for k, v := range params {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	return text
}

// Translator tracks a current language over a Catalog.
type Translator struct {
	cat *Catalog

	mu   sync.RWMutex
	lang string
}

// NewTranslator starts in lang, or DefaultLanguage when lang is unsupported.
func NewTranslator(cat *Catalog, lang string) *Translator {
	t := &Translator{cat: cat, lang: DefaultLanguage}
	t.SetLanguage(lang)
	return t
}

func (t *Translator) T(key string, params map[string]string) string {
	return t.cat.Lookup(t.Language(), key, params)
}

// SetLanguage switches languages and reports whether code is supported.
func (t *Translator) SetLanguage(code string) bool {
	if !t.cat.Supports(code) {
		return false
	}
	t.mu.Lock()
	t.lang = code
	t.mu.Unlock()
	return true
}

func (t *Translator) Language() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lang
}

func (t *Translator) Languages() []string { return t.cat.Languages() }

// Greeting returns the time-of-day greeting for now's local hour.
func (t *Translator) Greeting(now time.Time) string {
	switch h := now.Hour(); {
	case h < 12:
		return t.T("greeting_morning", nil)
	case h < 19:
		return t.T("greeting_afternoon", nil)
	default:
		return t.T("greeting_evening", nil)
	}
}
