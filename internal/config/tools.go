package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// toolsFile is the on-disk shape of REPORTFLOW_TOOLS_FILE:
//
//	tools:
//	  01_pdf_to_md:
//	    command: /usr/bin/python3
//	    args: [/opt/tools/pdf_to_markdown.py]
//	    timeout_ms: 600000
type toolsFile struct {
	Tools map[string]struct {
		Command   string   `yaml:"command"`
		Args      []string `yaml:"args"`
		TimeoutMs int64    `yaml:"timeout_ms"`
	} `yaml:"tools"`
}

// LoadToolsFile merges per-stage overrides from a YAML file into c.Tools.
// A timeout_ms on 01_pdf_to_md replaces PDFToMarkdownTimeout.
func (c *Config) LoadToolsFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tools file: %w", err)
	}
	var doc toolsFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse tools file %s: %w", path, err)
	}
	if c.Tools == nil {
		c.Tools = map[string]ToolSpec{}
	}
	for id, t := range doc.Tools {
		id = strings.TrimSpace(id)
		if _, known := defaultToolScripts[id]; !known {
			return fmt.Errorf("tools file %s: unknown stage %q", path, id)
		}
		spec := c.Tools[id]
		if strings.TrimSpace(t.Command) != "" {
			spec.Command = strings.TrimSpace(t.Command)
			spec.Args = t.Args
		} else if t.Args != nil {
			spec.Args = t.Args
		}
		if t.TimeoutMs > 0 {
			spec.Timeout = time.Duration(t.TimeoutMs) * time.Millisecond
			if id == ToolPDFToMarkdown {
				c.PDFToMarkdownTimeout = spec.Timeout
			}
		}
		c.Tools[id] = spec
	}
	return nil
}

func sortStrings(s []string) { sort.Strings(s) }
