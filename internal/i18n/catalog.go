// Package i18n renders user-facing strings from the embedded locale catalogs.
package i18n

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localesFS embed.FS

// DefaultLocale is used when a session's language is not supported.
const DefaultLocale = "en"

// Catalog holds the translated strings of every supported locale.
type Catalog struct {
	messages map[string]map[string]string
	fallback string
}

// Load parses the embedded locale files. fallback selects the locale used
// for unsupported languages and for keys missing from a locale.
func Load(fallback string) (*Catalog, error) {
	entries, err := localesFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("i18n: read locales: %w", err)
	}
	c := &Catalog{messages: make(map[string]map[string]string), fallback: fallback}
	for _, e := range entries {
		name := e.Name()
		if path.Ext(name) != ".yaml" {
			continue
		}
		data, err := localesFS.ReadFile("locales/" + name)
		if err != nil {
			return nil, fmt.Errorf("i18n: read %s: %w", name, err)
		}
		msgs := make(map[string]string)
		if err := yaml.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("i18n: parse %s: %w", name, err)
		}
		c.messages[strings.TrimSuffix(name, ".yaml")] = msgs
	}
	if _, ok := c.messages[fallback]; !ok {
		return nil, fmt.Errorf("i18n: fallback locale %q not found", fallback)
	}
	return c, nil
}

// MustLoad is like Load but panics on error. The catalogs are embedded, so a
// failure is a build defect.
func MustLoad(fallback string) *Catalog {
	c, err := Load(fallback)
	if err != nil {
		panic(err)
	}
	return c
}

// Locales returns the supported locale codes in sorted order.
func (c *Catalog) Locales() []string {
	out := make([]string, 0, len(c.messages))
	for l := range c.messages {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a platform language code such as "ru-RU" to a supported
// locale, falling back to the catalog default.
func (c *Catalog) Resolve(languageCode string) string {
	code := strings.ToLower(languageCode)
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if _, ok := c.messages[code]; ok {
		return code
	}
	return c.fallback
}

// T returns the message for key in locale. kv holds placeholder/value pairs
// substituted for "{placeholder}". A key missing from every catalog renders
// as the key itself.
func (c *Catalog) T(locale, key string, kv ...string) string {
	msg, ok := c.lookup(locale, key)
	if !ok {
		return key
	}
	if len(kv) < 2 {
		return msg
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(msg)
}

// Has reports whether key exists in locale or the fallback.
func (c *Catalog) Has(locale, key string) bool {
	_, ok := c.lookup(locale, key)
	return ok
}

// Error renders the message for an error code, falling back to error.unknown.
func (c *Catalog) Error(locale, code string) string {
	key := "error." + code
	if c.Has(locale, key) {
		return c.T(locale, key)
	}
	return c.T(locale, "error.unknown")
}

// Labels returns the value of key in every locale. The classifier matches
// keyboard input against all of them so a label sent before a language
// change is still understood.
func (c *Catalog) Labels(key string) []string {
	var out []string
	for _, l := range c.Locales() {
		if msg, ok := c.messages[l][key]; ok {
			out = append(out, msg)
		}
	}
	return out
}

func (c *Catalog) lookup(locale, key string) (string, bool) {
	if msgs, ok := c.messages[locale]; ok {
		if msg, ok := msgs[key]; ok {
			return msg, true
		}
	}
	msg, ok := c.messages[c.fallback][key]
	return msg, ok
}
