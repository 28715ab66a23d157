package domain

import (
	"strings"
)

// Analysis is the business-analysis output for the campaign's target website.
type Analysis struct {
	CompanyName      string   `json:"company_name"`
	Industry         string   `json:"industry"`
	ValueProposition string   `json:"value_proposition"`
	TargetAudience   string   `json:"target_audience,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	Website          string   `json:"website,omitempty"`
}

// Strategy drives prospect discovery and drafting.
type Strategy struct {
	Audience    string   `json:"audience"`
	Keywords    []string `json:"keywords"`
	Channels    []string `json:"channels,omitempty"`
	Pitch       string   `json:"pitch"`
	Provisional bool     `json:"provisional"`
}

// Clone returns an independent copy.
func (s *Strategy) Clone() *Strategy {
	if s == nil {
		return nil
	}
	c := *s
	c.Keywords = append([]string(nil), s.Keywords...)
	c.Channels = append([]string(nil), s.Channels...)
	return &c
}

// Persona is the sender the drafts are written as.
type Persona struct {
	Name    string `json:"name,omitempty"`
	Title   string `json:"title,omitempty"`
	Company string `json:"company,omitempty"`
}

// Template shapes every generated email after it is chosen.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Template sources.
const (
	TemplateSourceCaller    = "caller"
	TemplateSourceSelection = "selection"
	TemplateSourceDefault   = "default"
	TemplateSourceSample    = "sample"
	TemplateSourceEdited    = "edited"
)

// DefaultTemplateID is used when template selection times out.
const DefaultTemplateID = "professional_partnership"

// DefaultTemplate returns the template applied when nobody picks one in time.
func DefaultTemplate() *Template {
	return &Template{
		ID:      DefaultTemplateID,
		Subject: "Partnership opportunity with {company}",
		Body:    "Hi {name},\n\n{pitch}\n\nWould you be open to a short call next week?\n\n{sender}",
		Source:  TemplateSourceDefault,
	}
}

// ProvisionalStrategy derives a strategy locally from the analysis so discovery can start
// before the full strategy is generated. It is deterministic for a given analysis.
func ProvisionalStrategy(a *Analysis) *Strategy {
	if a == nil {
		return &Strategy{Provisional: true}
	}
	audience := strings.TrimSpace(a.TargetAudience)
	if audience == "" {
		audience = strings.TrimSpace(a.Industry) + " decision makers"
	}

	seen := make(map[string]struct{})
	var keywords []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		keywords = append(keywords, s)
	}
	for _, k := range a.Keywords {
		add(k)
	}
	add(a.Industry)
	add(a.CompanyName)

	return &Strategy{
		Audience:    audience,
		Keywords:    keywords,
		Channels:    []string{"email"},
		Pitch:       strings.TrimSpace(a.ValueProposition),
		Provisional: true,
	}
}
