package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a loaded AgentSkills-style skill: a directory containing a
// SKILL.md with YAML frontmatter. Only the metadata lives in the system
// prompt; the agent reads the body on demand through its file tools.
type Skill struct {
	// Name matches the skill's directory name.
	Name string
	// Description of what the skill does and when to use it.
	Description string
	// Absolute path to SKILL.md.
	FilePath string
	// Absolute path to the skill directory.
	BaseDir string
	// Where the skill was loaded from (e.g. "dir:0" or a custom label).
	Source string
}

// SkillSet is a collection of loaded skills.
type SkillSet struct {
	skills []Skill
}

// skillFrontmatter is the YAML header of a SKILL.md file.
type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// LoadSkills loads skills from multiple directories. Skills with the same
// name from later directories override earlier ones. Missing directories
// are skipped.
func LoadSkills(dirs ...string) (*SkillSet, error) {
	byName := map[string]Skill{}
	for i, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		skills, err := loadSkillsFromDir(dir, fmt.Sprintf("dir:%d", i))
		if err != nil {
			return nil, err
		}
		for _, skill := range skills {
			byName[skill.Name] = skill
		}
	}

	set := &SkillSet{skills: make([]Skill, 0, len(byName))}
	for _, skill := range byName {
		set.skills = append(set.skills, skill)
	}
	sort.Slice(set.skills, func(i, j int) bool { return set.skills[i].Name < set.skills[j].Name })
	return set, nil
}

// Skills returns the loaded skills, sorted by name.
func (s *SkillSet) Skills() []Skill { return s.skills }

// Len returns the number of loaded skills.
func (s *SkillSet) Len() int { return len(s.skills) }

// FormatForPrompt renders the skills index for inclusion in a system
// prompt, using the AgentSkills XML layout. Returns "" when empty.
func (s *SkillSet) FormatForPrompt() string {
	if len(s.skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<available_skills>\n")
	for _, skill := range s.skills {
		sb.WriteString("  <skill>\n")
		fmt.Fprintf(&sb, "    <name>%s</name>\n", xmlEscape(skill.Name))
		fmt.Fprintf(&sb, "    <description>%s</description>\n", xmlEscape(skill.Description))
		fmt.Fprintf(&sb, "    <location>%s</location>\n", xmlEscape(skill.FilePath))
		sb.WriteString("  </skill>\n")
	}
	sb.WriteString("</available_skills>")
	return sb.String()
}

// loadSkillsFromDir scans dir for <name>/SKILL.md entries.
func loadSkillsFromDir(dir, source string) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %s: %w", dir, err)
	}

	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		base := filepath.Join(dir, entry.Name())
		skillMD := filepath.Join(base, "SKILL.md")
		content, err := os.ReadFile(skillMD)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", skillMD, err)
		}

		fm, err := parseFrontmatter(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", skillMD, err)
		}
		if fm.Description == "" {
			return nil, fmt.Errorf("%s: missing required frontmatter field: description", skillMD)
		}

		// The directory name wins on a frontmatter mismatch.
		absBase, err := filepath.Abs(base)
		if err != nil {
			absBase = base
		}
		skills = append(skills, Skill{
			Name:        entry.Name(),
			Description: fm.Description,
			FilePath:    filepath.Join(absBase, "SKILL.md"),
			BaseDir:     absBase,
			Source:      source,
		})
	}

	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// parseFrontmatter extracts the YAML header between "---" fences.
func parseFrontmatter(content string) (skillFrontmatter, error) {
	var fm skillFrontmatter
	trimmed := strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(trimmed, "---") {
		return fm, fmt.Errorf("missing frontmatter")
	}
	rest := strings.TrimPrefix(trimmed, "---")
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return fm, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, err
	}
	return fm, nil
}

func xmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return replacer.Replace(s)
}
