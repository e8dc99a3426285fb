package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Item is one job in a batch file. Items with Images are compositions.
type Item struct {
	Index            int
	Prompt           string
	Model            string
	Tier             string
	Ratio            string
	NegativePrompt   string
	SampleStrength   float64
	IntelligentRatio bool
	Images           []string
}

type fileItem struct {
	Prompt           string   `json:"prompt" yaml:"prompt"`
	Model            string   `json:"model,omitempty" yaml:"model,omitempty"`
	Resolution       string   `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	Ratio            string   `json:"ratio,omitempty" yaml:"ratio,omitempty"`
	NegativePrompt   string   `json:"negative_prompt,omitempty" yaml:"negative_prompt,omitempty"`
	SampleStrength   float64  `json:"sample_strength,omitempty" yaml:"sample_strength,omitempty"`
	IntelligentRatio bool     `json:"intelligent_ratio,omitempty" yaml:"intelligent_ratio,omitempty"`
	Images           []string `json:"images,omitempty" yaml:"images,omitempty"`
}

func ParseFile(path string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(file)
	case ".yaml", ".yml":
		return ParseYAML(file)
	case ".txt", "":
		return ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt, .json or .yaml", ext)
	}
}

// ParseText reads one prompt per line. Blank lines and # comments are skipped.
func ParseText(r io.Reader) ([]Item, error) {
	var items []Item
	scanner := bufio.NewScanner(r)
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index++
		items = append(items, Item{
			Index:  index,
			Prompt: line,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}

	return items, nil
}

func ParseJSON(r io.Reader) ([]Item, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var raw []fileItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return toItems(raw)
}

func ParseYAML(r io.Reader) ([]Item, error) {
	var raw []fileItem
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("no prompts found in file")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return toItems(raw)
}

func toItems(raw []fileItem) ([]Item, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no prompts found in file")
	}

	items := make([]Item, len(raw))
	for i, fi := range raw {
		if strings.TrimSpace(fi.Prompt) == "" {
			return nil, fmt.Errorf("item %d has empty prompt", i+1)
		}
		if fi.SampleStrength < 0 || fi.SampleStrength > 1 {
			return nil, fmt.Errorf("item %d: sample_strength must be between 0 and 1", i+1)
		}
		items[i] = Item{
			Index:            i + 1,
			Prompt:           fi.Prompt,
			Model:            fi.Model,
			Tier:             fi.Resolution,
			Ratio:            fi.Ratio,
			NegativePrompt:   fi.NegativePrompt,
			SampleStrength:   fi.SampleStrength,
			IntelligentRatio: fi.IntelligentRatio,
			Images:           fi.Images,
		}
	}
	return items, nil
}
