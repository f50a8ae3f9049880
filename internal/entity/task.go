package entity

import (
	"fmt"
	"time"
)

// ExtractKind selects how a matched element is read.
type ExtractKind string

const (
	KindText      ExtractKind = "text"
	KindAttribute ExtractKind = "attribute"
	KindHTML      ExtractKind = "html"
)

// SiteTaskConfig is the immutable description of one crawl run against a site.
type SiteTaskConfig struct {
	TaskID    string   `json:"taskId" yaml:"taskId"`
	SiteID    string   `json:"siteId,omitempty" yaml:"siteId,omitempty"`
	StartURLs []string `json:"startUrls" yaml:"startUrls"`
	// HomeURL is where cookie validation navigates. Defaults to the first start URL.
	HomeURL            string        `json:"homeUrl,omitempty" yaml:"homeUrl,omitempty"`
	DetailLinkSelector string        `json:"detailLinkSelector,omitempty" yaml:"detailLinkSelector,omitempty"`
	MaxConcurrency     int           `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	Login              *LoginConfig  `json:"login,omitempty" yaml:"login,omitempty"`
	Rules              []ExtractRule `json:"rules" yaml:"rules"`
	Credentials        Credentials   `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	PageTimeout        Duration      `json:"pageTimeout,omitempty" yaml:"pageTimeout,omitempty"`
}

// Site returns the identifier used to namespace durable storage for this task.
func (c SiteTaskConfig) Site() string {
	if c.SiteID != "" {
		return c.SiteID
	}
	return c.TaskID
}

// Home returns the URL used for session validation.
func (c SiteTaskConfig) Home() string {
	if c.HomeURL != "" {
		return c.HomeURL
	}
	if len(c.StartURLs) > 0 {
		return c.StartURLs[0]
	}
	if c.Login != nil {
		return c.Login.LoginURL
	}
	return ""
}

// Validate checks the structural invariants of the configuration. Failures
// wrap ErrInvalidTask.
func (c SiteTaskConfig) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	return nil
}

func (c SiteTaskConfig) validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("task: taskId is required")
	}
	if len(c.StartURLs) == 0 {
		return fmt.Errorf("task %s: at least one start URL is required", c.TaskID)
	}
	seen := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("task %s: rule %d: %w", c.TaskID, i, err)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("task %s: duplicate rule name %q", c.TaskID, r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	if c.Login != nil {
		if err := c.Login.Validate(); err != nil {
			return fmt.Errorf("task %s: %w", c.TaskID, err)
		}
	}
	return nil
}

// ExtractRule is a declarative field rule applied to a page snapshot.
type ExtractRule struct {
	Name      string          `json:"name" yaml:"name"`
	Selector  string          `json:"selector" yaml:"selector"`
	Kind      ExtractKind     `json:"type" yaml:"type"`
	Attribute string          `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Transform []TransformSpec `json:"transform,omitempty" yaml:"transform,omitempty"`
	Required  bool            `json:"required,omitempty" yaml:"required,omitempty"`
	Multiple  bool            `json:"multiple,omitempty" yaml:"multiple,omitempty"`
	Validator *ValidatorSpec  `json:"validator,omitempty" yaml:"validator,omitempty"`
}

func (r ExtractRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Selector == "" {
		return fmt.Errorf("rule %q: selector is required", r.Name)
	}
	switch r.Kind {
	case KindText, KindHTML, "":
		if r.Attribute != "" {
			return fmt.Errorf("rule %q: attribute is only valid for kind %q", r.Name, KindAttribute)
		}
	case KindAttribute:
		if r.Attribute == "" {
			return fmt.Errorf("rule %q: attribute is required for kind %q", r.Name, KindAttribute)
		}
	default:
		return fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// TransformSpec is a tagged transform descriptor resolved from a fixed registry.
type TransformSpec struct {
	Type            string             `json:"type" yaml:"type"`
	Pattern         string             `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Replacement     string             `json:"replacement,omitempty" yaml:"replacement,omitempty"`
	Group           int                `json:"group,omitempty" yaml:"group,omitempty"`
	Units           map[string]float64 `json:"units,omitempty" yaml:"units,omitempty"`
	CaseInsensitive bool               `json:"caseInsensitive,omitempty" yaml:"caseInsensitive,omitempty"`
	Layouts         []string           `json:"layouts,omitempty" yaml:"layouts,omitempty"`
	Timezone        string             `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// ValidatorSpec is a declarative predicate over an extracted value.
type ValidatorSpec struct {
	Type    string   `json:"type" yaml:"type"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Values  []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Credentials are the account secrets used to fill the login form.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Duration accepts "30s" style strings in YAML and JSON task documents.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Or returns d, or fallback when d is unset.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}
