package model

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/aio-analyzer/internal/resilience"
)

// TotalSteps is the number of pipeline stages a project goes through.
const TotalSteps = 4

// DefaultFilterPattern keeps question-style queries in English and Chinese.
// RE2 word boundaries are ASCII-only, so the CJK prefixes carry none.
const DefaultFilterPattern = `^(?:(?:what|how|why|when|where|who|which)\b|什麼|如何|為何|哪裡|誰是)`

// ProjectStatus represents the lifecycle state of an analysis project.
type ProjectStatus string

const (
	ProjectStatusCreated   ProjectStatus = "created"
	ProjectStatusRunning   ProjectStatus = "running"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// Runnable reports whether a project in this status may start a pipeline run.
func (s ProjectStatus) Runnable() bool {
	return s == ProjectStatusCreated || s == ProjectStatusFailed
}

// CanTransition reports whether a project may move from s to next.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	switch s {
	case ProjectStatusCreated:
		return next == ProjectStatusRunning || next == ProjectStatusCancelled
	case ProjectStatusRunning:
		return next == ProjectStatusCompleted || next == ProjectStatusFailed || next == ProjectStatusCancelled
	case ProjectStatusFailed:
		return next == ProjectStatusRunning || next == ProjectStatusCancelled
	default:
		return false
	}
}

// Project is one keyword analysis over a site and date range.
type Project struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	SiteURL        string        `json:"site_url"`
	StartDate      time.Time     `json:"start_date"`
	EndDate        time.Time     `json:"end_date"`
	FilterPattern  string        `json:"filter_pattern"`
	Language       string        `json:"language"`
	Country        string        `json:"country"`
	Status         ProjectStatus `json:"status"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	CurrentStage   StageKind     `json:"current_stage,omitempty"`
	TotalKeywords  int           `json:"total_keywords"`
	AIOKeywords    int           `json:"aio_keywords"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// ProgressPercentage is the share of stages completed.
func (p *Project) ProgressPercentage() float64 {
	total := p.TotalSteps
	if total <= 0 {
		total = TotalSteps
	}
	return float64(p.CompletedSteps) * 100 / float64(total)
}

// ProjectSpec is the caller input for creating a project.
type ProjectSpec struct {
	Name          string    `json:"name" yaml:"name"`
	SiteURL       string    `json:"site_url" yaml:"site_url" validate:"required,siteurl"`
	StartDate     time.Time `json:"start_date" yaml:"start_date" validate:"required"`
	EndDate       time.Time `json:"end_date" yaml:"end_date" validate:"required,gtefield=StartDate"`
	FilterPattern string    `json:"filter_pattern" yaml:"filter_pattern" validate:"omitempty,regexp"`
	Language      string    `json:"language" yaml:"language" validate:"omitempty,bcp47_language_tag"`
	Country       string    `json:"country" yaml:"country" validate:"omitempty,iso3166_1_alpha2"`
}

var specValidate = newSpecValidator()

func newSpecValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("siteurl", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if strings.HasPrefix(s, "sc-domain:") {
			return len(s) > len("sc-domain:")
		}
		return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
	})
	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return v
}

// Normalize fills defaults and canonicalizes locale codes.
func (s *ProjectSpec) Normalize() {
	s.SiteURL = strings.TrimSpace(s.SiteURL)
	if s.FilterPattern == "" {
		s.FilterPattern = DefaultFilterPattern
	}
	s.Country = strings.ToUpper(strings.TrimSpace(s.Country))
	s.Language = strings.TrimSpace(s.Language)
}

// Validate normalizes the spec and checks it. Failures are invalid input.
func (s *ProjectSpec) Validate() error {
	s.Normalize()
	if err := specValidate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return resilience.InvalidInputf("project spec: field %s failed %q", fe.Field(), fe.Tag())
		}
		return resilience.InvalidInput(eris.Wrap(err, "project spec"))
	}
	return nil
}
