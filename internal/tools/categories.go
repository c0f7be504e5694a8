package tools

import (
	"log/slog"
	"strings"
)

// CategoryAll exposes every tool.
const CategoryAll = "all"

// Category selects the tools whose names satisfy Match.
type Category struct {
	Name  string
	Match func(toolName string) bool
}

func nameContains(sub string) func(string) bool {
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), sub)
	}
}

// Categories is an ordered list of category filters, searched in order.
type Categories struct {
	list   []Category
	logger *slog.Logger
}

// NewCategories builds a category list. An "all" category is appended when
// the list lacks one.
func NewCategories(logger *slog.Logger, cats ...Category) *Categories {
	c := &Categories{logger: logger.With("component", "tools")}
	hasAll := false
	for _, cat := range cats {
		cat.Name = strings.ToLower(cat.Name)
		if cat.Name == CategoryAll {
			hasAll = true
		}
		c.list = append(c.list, cat)
	}
	if !hasAll {
		c.list = append(c.list, Category{Name: CategoryAll, Match: func(string) bool { return true }})
	}
	return c
}

// DefaultCategories returns the image, email and debug categories plus all.
func DefaultCategories(logger *slog.Logger) *Categories {
	return NewCategories(logger,
		Category{Name: "image", Match: nameContains("image")},
		Category{Name: "email", Match: nameContains("email")},
		Category{Name: "debug", Match: nameContains("debug")},
	)
}

// Names returns the category names in order.
func (c *Categories) Names() []string {
	out := make([]string, len(c.list))
	for i, cat := range c.list {
		out[i] = cat.Name
	}
	return out
}

// Resolve returns the named category, falling back to all for unknown names.
func (c *Categories) Resolve(name string) Category {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = CategoryAll
	}
	var all Category
	for _, cat := range c.list {
		if cat.Name == name {
			return cat
		}
		if cat.Name == CategoryAll {
			all = cat
		}
	}
	c.logger.Warn("unknown tool category, using all", "category", name)
	return all
}

// Filter returns the tools of r exposed by category.
func (c *Categories) Filter(r *Registry, category string) []Tool {
	cat := c.Resolve(category)
	var out []Tool
	for _, t := range r.All() {
		if cat.Match(t.Name) {
			out = append(out, t)
		}
	}
	c.logger.Debug("filtered tools", "category", cat.Name, "count", len(out))
	return out
}
