package entity

import "fmt"

// FieldType controls how a value is written into a form control.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldHidden   FieldType = "hidden"
	FieldCheckbox FieldType = "checkbox"
	FieldRadio    FieldType = "radio"
)

// FieldConfig describes one form control. An empty Type is resolved from the
// element's type attribute at fill time.
type FieldConfig struct {
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	Selector string    `json:"selector" yaml:"selector"`
	Type     FieldType `json:"type,omitempty" yaml:"type,omitempty"`
	Value    string    `json:"value,omitempty" yaml:"value,omitempty"`
	Optional bool      `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// CaptchaField declares the CAPTCHA widget of a login form.
type CaptchaField struct {
	InputSelector string `json:"inputSelector" yaml:"inputSelector"`
	// ImageSelector is screenshotted to obtain the challenge image.
	ImageSelector string `json:"imageSelector,omitempty" yaml:"imageSelector,omitempty"`
	// ImageURL is fetched from inside the page when the image is not rendered as an element.
	ImageURL string `json:"imageUrl,omitempty" yaml:"imageUrl,omitempty"`
	// HashSelector holds the server-side image nonce; its value is mirrored into
	// HashTargetSelector right before submission.
	HashSelector       string        `json:"hashSelector,omitempty" yaml:"hashSelector,omitempty"`
	HashAttribute      string        `json:"hashAttribute,omitempty" yaml:"hashAttribute,omitempty"`
	HashTargetSelector string        `json:"hashTargetSelector,omitempty" yaml:"hashTargetSelector,omitempty"`
	Resolver           CaptchaConfig `json:"resolver" yaml:"resolver"`
}

// LoginFields groups the form controls touched during FILL_CREDENTIALS.
type LoginFields struct {
	Username FieldConfig   `json:"username" yaml:"username"`
	Password FieldConfig   `json:"password" yaml:"password"`
	Captcha  *CaptchaField `json:"captcha,omitempty" yaml:"captcha,omitempty"`
	Other    []FieldConfig `json:"other,omitempty" yaml:"other,omitempty"`
}

// PreLoginAction is the kind of a pre-login DOM interaction.
type PreLoginAction string

const (
	ActionClick PreLoginAction = "click"
	ActionWait  PreLoginAction = "wait"
	ActionFill  PreLoginAction = "fill"
)

// PreLoginStep is executed in order before the form is considered present.
type PreLoginStep struct {
	Action   PreLoginAction `json:"action" yaml:"action"`
	Selector string         `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string         `json:"value,omitempty" yaml:"value,omitempty"`
	// WaitFor is a selector awaited after the action completes.
	WaitFor string `json:"waitFor,omitempty" yaml:"waitFor,omitempty"`
	// WaitFunction is a boolean page expression awaited after the action completes.
	WaitFunction string   `json:"waitFunction,omitempty" yaml:"waitFunction,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// SuccessCheck verifies the post-submit page.
type SuccessCheck struct {
	Selector     string   `json:"selector" yaml:"selector"`
	ExpectedText string   `json:"expectedText,omitempty" yaml:"expectedText,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoginConfig drives the Login Orchestrator.
type LoginConfig struct {
	LoginURL          string         `json:"loginUrl" yaml:"loginUrl"`
	FormSelector      string         `json:"formSelector" yaml:"formSelector"`
	SubmitSelector    string         `json:"submitSelector,omitempty" yaml:"submitSelector,omitempty"`
	Fields            LoginFields    `json:"fields" yaml:"fields"`
	PreLoginSteps     []PreLoginStep `json:"preLoginSteps,omitempty" yaml:"preLoginSteps,omitempty"`
	SuccessCheck      SuccessCheck   `json:"successCheck" yaml:"successCheck"`
	NavigationTimeout Duration       `json:"navigationTimeout,omitempty" yaml:"navigationTimeout,omitempty"`
	FormTimeout       Duration       `json:"formTimeout,omitempty" yaml:"formTimeout,omitempty"`
	SubmitTimeout     Duration       `json:"submitTimeout,omitempty" yaml:"submitTimeout,omitempty"`
}

func (c LoginConfig) Validate() error {
	if c.LoginURL == "" {
		return fmt.Errorf("login: loginUrl is required")
	}
	if c.FormSelector == "" {
		return fmt.Errorf("login: formSelector is required")
	}
	if c.Fields.Username.Selector == "" {
		return fmt.Errorf("login: username field selector is required")
	}
	if c.Fields.Password.Selector == "" {
		return fmt.Errorf("login: password field selector is required")
	}
	if c.SuccessCheck.Selector == "" {
		return fmt.Errorf("login: successCheck.selector is required")
	}
	for i, s := range c.PreLoginSteps {
		switch s.Action {
		case ActionClick, ActionFill:
			if s.Selector == "" {
				return fmt.Errorf("login: pre-login step %d: selector is required for %s", i, s.Action)
			}
		case ActionWait:
			if s.Selector == "" && s.WaitFor == "" && s.WaitFunction == "" {
				return fmt.Errorf("login: pre-login step %d: wait needs a selector or a function", i)
			}
		default:
			return fmt.Errorf("login: pre-login step %d: unknown action %q", i, s.Action)
		}
	}
	if cf := c.Fields.Captcha; cf != nil {
		if cf.InputSelector == "" {
			return fmt.Errorf("login: captcha inputSelector is required")
		}
		if err := cf.Resolver.Validate(); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if cf.Resolver.Type != ResolverSkip && cf.ImageSelector == "" && cf.ImageURL == "" {
			return fmt.Errorf("login: captcha needs imageSelector or imageUrl")
		}
	}
	return nil
}

// NeedsCaptcha reports whether the CAPTCHA state is part of the flow.
func (c LoginConfig) NeedsCaptcha() bool {
	return c.Fields.Captcha != nil && c.Fields.Captcha.Resolver.Type != ResolverSkip
}
