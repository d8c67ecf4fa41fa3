package catalog

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

const DefaultPassingScore = 80

// VideoDescriptor is static reference data for one embeddable video.
type VideoDescriptor struct {
	ID            string `yaml:"id" json:"id"`
	Title         string `yaml:"title" json:"title"`
	DurationLabel string `yaml:"durationLabel" json:"durationLabel"`
	Provider      string `yaml:"provider" json:"provider"`
	ProviderID    string `yaml:"providerId" json:"providerId"`
}

// DurationSeconds parses DurationLabel ("m:ss" or "h:mm:ss"). Zero when unparseable.
func (v VideoDescriptor) DurationSeconds() float64 {
	seconds, err := ParseDurationLabel(v.DurationLabel)
	if err != nil {
		return 0
	}
	return seconds
}

// OriginalURL points at the video on the provider's own site.
func (v VideoDescriptor) OriginalURL() string {
	switch v.Provider {
	case "youtube":
		return "https://www.youtube.com/watch?v=" + v.ProviderID
	case "vimeo":
		return "https://vimeo.com/" + v.ProviderID
	}
	return ""
}

type Module struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	PassingScore int      `yaml:"passingScore" json:"passingScore"`
	VideoIDs     []string `yaml:"videos" json:"videoIds"`
}

type Catalog struct {
	modules     []Module
	videos      []VideoDescriptor
	moduleByID  map[string]Module
	videoByID   map[string]VideoDescriptor
	videoModule map[string]string
}

type document struct {
	Modules []Module          `yaml:"modules"`
	Videos  []VideoDescriptor `yaml:"videos"`
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(catalogYAML)
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		moduleByID:  make(map[string]Module, len(doc.Modules)),
		videoByID:   make(map[string]VideoDescriptor, len(doc.Videos)),
		videoModule: make(map[string]string),
	}

	for _, v := range doc.Videos {
		if v.ID == "" {
			return nil, fmt.Errorf("parse catalog: video without id")
		}
		if _, dup := c.videoByID[v.ID]; dup {
			return nil, fmt.Errorf("parse catalog: duplicate video %q", v.ID)
		}
		if _, err := ParseDurationLabel(v.DurationLabel); err != nil {
			return nil, fmt.Errorf("parse catalog: video %q: %w", v.ID, err)
		}
		c.videoByID[v.ID] = v
		c.videos = append(c.videos, v)
	}

	for _, m := range doc.Modules {
		if m.ID == "" {
			return nil, fmt.Errorf("parse catalog: module without id")
		}
		if _, dup := c.moduleByID[m.ID]; dup {
			return nil, fmt.Errorf("parse catalog: duplicate module %q", m.ID)
		}
		if m.PassingScore <= 0 {
			m.PassingScore = DefaultPassingScore
		}
		for _, videoID := range m.VideoIDs {
			if _, ok := c.videoByID[videoID]; !ok {
				return nil, fmt.Errorf("parse catalog: module %q references unknown video %q", m.ID, videoID)
			}
			if owner, taken := c.videoModule[videoID]; taken {
				return nil, fmt.Errorf("parse catalog: video %q belongs to both %q and %q", videoID, owner, m.ID)
			}
			c.videoModule[videoID] = m.ID
		}
		c.moduleByID[m.ID] = m
		c.modules = append(c.modules, m)
	}

	return c, nil
}

func (c *Catalog) Modules() []Module {
	out := make([]Module, len(c.modules))
	copy(out, c.modules)
	return out
}

func (c *Catalog) Videos() []VideoDescriptor {
	out := make([]VideoDescriptor, len(c.videos))
	copy(out, c.videos)
	return out
}

func (c *Catalog) Module(id string) (Module, bool) {
	m, ok := c.moduleByID[id]
	return m, ok
}

func (c *Catalog) Video(id string) (VideoDescriptor, bool) {
	v, ok := c.videoByID[id]
	return v, ok
}

// ModuleForVideo returns the id of the module that contains videoID.
func (c *Catalog) ModuleForVideo(videoID string) (string, bool) {
	id, ok := c.videoModule[videoID]
	return id, ok
}

// ParseDurationLabel converts "m:ss" or "h:mm:ss" into seconds.
func ParseDurationLabel(label string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(label), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration label %q", label)
	}
	total := 0
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration label %q", label)
		}
		if i > 0 && n >= 60 {
			return 0, fmt.Errorf("invalid duration label %q", label)
		}
		total = total*60 + n
	}
	return float64(total), nil
}
