package classify

import (
	"strings"

	"github.com/zulandar/railbot/internal/i18n"
)

// Label keys the classifier recognizes as keyboard input.
const (
	labelNewChat      = "button.new_chat"
	labelWebSearch    = "button.web_search"
	labelNewImageChat = "button.new_image_chat"
	labelTools        = "button.tools"
	labelBuffer       = "button.buffer"
	labelCancel       = "button.cancel"
	labelSendBuffer   = "button.send_buffer"
	labelResetPrompt  = "button.reset_prompt"
	labelWithoutName  = "button.without_name"
)

var labelKeys = []string{
	labelNewChat, labelWebSearch, labelNewImageChat, labelTools, labelBuffer,
	labelCancel, labelSendBuffer, labelResetPrompt, labelWithoutName,
}

// Vocabulary is the set of keyboard labels in every supported locale.
type Vocabulary struct {
	catalog *i18n.Catalog
	labels  map[string]map[string]bool
}

// NewVocabulary collects the keyboard labels of every locale in cat.
func NewVocabulary(cat *i18n.Catalog) *Vocabulary {
	v := &Vocabulary{catalog: cat, labels: make(map[string]map[string]bool)}
	for _, key := range labelKeys {
		set := make(map[string]bool)
		for _, l := range cat.Labels(key) {
			set[l] = true
		}
		v.labels[key] = set
	}
	return v
}

// Catalog returns the catalog the vocabulary was built from.
func (v *Vocabulary) Catalog() *i18n.Catalog { return v.catalog }

func (v *Vocabulary) is(key, text string) bool {
	return v.labels[key][strings.TrimSpace(text)]
}

// hasPrefix reports whether text starts with any translation of key. The
// web search button carries its state after the label.
func (v *Vocabulary) hasPrefix(key, text string) bool {
	text = strings.TrimSpace(text)
	for l := range v.labels[key] {
		if l != "" && strings.HasPrefix(text, l) {
			return true
		}
	}
	return false
}
