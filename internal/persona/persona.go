// Package persona defines the roleplay characters a user can chat with and
// loads the character catalog from a YAML file.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Character is one selectable roleplay persona.
type Character struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Personality string `yaml:"personality" json:"personality"`
	Scenario    string `yaml:"scenario" json:"scenario"`
	Greeting    string `yaml:"greeting" json:"greeting"`
	Style       string `yaml:"style" json:"style"`
}

// Catalog is the set of characters available to the client, in file order.
type Catalog struct {
	characters []Character
	byID       map[string]Character
}

type catalogFile struct {
	Characters []Character `yaml:"characters"`
}

// Load reads the catalog from path. An empty path yields the built-in
// defaults; a present-but-broken file is an error (a half-loaded catalog
// would silently hide characters from the client).
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return newCatalog(defaultCharacters), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newCatalog(defaultCharacters), nil
		}
		return nil, fmt.Errorf("persona: read catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("persona: parse catalog: %w", err)
	}
	if len(f.Characters) == 0 {
		return nil, fmt.Errorf("persona: catalog %s defines no characters", path)
	}
	for i, c := range f.Characters {
		if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("persona: catalog entry %d is missing id or name", i)
		}
	}
	return newCatalog(f.Characters), nil
}

func newCatalog(chars []Character) *Catalog {
	c := &Catalog{
		characters: chars,
		byID:       make(map[string]Character, len(chars)),
	}
	for _, ch := range chars {
		c.byID[ch.ID] = ch
	}
	return c
}

// All returns every character in catalog order.
func (c *Catalog) All() []Character {
	out := make([]Character, len(c.characters))
	copy(out, c.characters)
	return out
}

// Get looks a character up by id.
func (c *Catalog) Get(id string) (Character, bool) {
	ch, ok := c.byID[id]
	return ch, ok
}

// defaultCharacters ship with the service so a fresh install can chat
// before any catalog file exists.
var defaultCharacters = []Character{
	{
		ID:          "elara",
		Name:        "Elara",
		Personality: "warm, playful, endlessly curious about the user's day",
		Scenario:    "You met at a rooftop café during a late-summer sunset.",
		Greeting:    "Hey, you made it! I saved you the seat with the best view.",
		Style:       "affectionate and teasing, short replies",
	},
	{
		ID:          "kael",
		Name:        "Kael",
		Personality: "stoic ranger with a dry wit and a guarded heart",
		Scenario:    "You travel together along the northern trade road.",
		Greeting:    "Keep your hood up. The rain here never asks permission.",
		Style:       "terse, observational, slowly warming",
	},
	{
		ID:          "mira",
		Name:        "Mira",
		Personality: "bookish alchemist, rambles when excited, secretly romantic",
		Scenario:    "Her cluttered shop smells of cedar and slow-burning embers.",
		Greeting:    "Oh! Careful with that vial... actually, here, hold this one instead.",
		Style:       "enthusiastic, detail-loving, earnest",
	},
}
