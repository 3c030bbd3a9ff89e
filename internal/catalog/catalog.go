package catalog

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/template"
)

// Store persists the rule and template catalogs
type Store interface {
	automation.CatalogSource
	SaveRule(ctx context.Context, rule automation.Rule) error
	GetRule(ctx context.Context, id string) (*automation.Rule, error)
	ListRules(ctx context.Context) ([]automation.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	SaveTemplate(ctx context.Context, tmpl automation.Template) error
	GetTemplate(ctx context.Context, id string) (*automation.Template, error)
	ListTemplates(ctx context.Context) ([]automation.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// Service is the admin configuration surface. Every write is validated and
// rejected with a RuleConfigurationError before it reaches the store.
type Service struct {
	mu        sync.Mutex
	store     Store
	validator *validator.Validate
	now       func() time.Time
	logger    *zap.Logger
}

var (
	_ automation.CatalogSource   = (*Service)(nil)
	_ automation.TemplateCreator = (*Service)(nil)
)

// NewService creates a new catalog service
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{
		store:     store,
		validator: v,
		now:       time.Now,
		logger:    logger,
	}
}

// Snapshot returns a frozen read of both catalogs
func (s *Service) Snapshot(ctx context.Context) (*automation.Snapshot, error) {
	return s.store.Snapshot(ctx)
}

// CreateRule validates and stores a new rule
func (s *Service) CreateRule(ctx context.Context, rule automation.Rule) (*automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	} else if _, err := s.store.GetRule(ctx, rule.ID); err == nil {
		return nil, automation.NewConfigError("id", "rule %s already exists", rule.ID)
	}
	now := s.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.validateRule(ctx, &rule); err != nil {
		return nil, err
	}
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule created", zap.String("rule_id", rule.ID), zap.String("name", rule.Name))
	return &rule, nil
}

// UpdateRule replaces a rule's definition. The enabled flag is kept as it
// was; use SetRuleEnabled to toggle it.
func (s *Service) UpdateRule(ctx context.Context, id string, rule automation.Rule) (*automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.ID = id
	rule.Enabled = existing.Enabled
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()

	if err := s.validateRule(ctx, &rule); err != nil {
		return nil, err
	}
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule updated", zap.String("rule_id", rule.ID))
	return &rule, nil
}

// SetRuleEnabled toggles a rule on or off
func (s *Service) SetRuleEnabled(ctx context.Context, id string, enabled bool) (*automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.Enabled = enabled
	rule.UpdatedAt = s.now()
	if err := s.store.SaveRule(ctx, *rule); err != nil {
		return nil, err
	}

	s.logger.Info("Rule toggled", zap.String("rule_id", id), zap.Bool("enabled", enabled))
	return rule, nil
}

// DeleteRule removes a rule. Its deferred intents are dropped when they come due.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Rule deleted", zap.String("rule_id", id))
	return nil
}

// GetRule returns a rule by id
func (s *Service) GetRule(ctx context.Context, id string) (*automation.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// ListRules returns every rule
func (s *Service) ListRules(ctx context.Context) ([]automation.Rule, error) {
	return s.store.ListRules(ctx)
}

// CreateTemplate validates and stores a new template
func (s *Service) CreateTemplate(ctx context.Context, tmpl automation.Template) (*automation.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	} else if _, err := s.store.GetTemplate(ctx, tmpl.ID); err == nil {
		return nil, automation.NewConfigError("id", "template %s already exists", tmpl.ID)
	}
	now := s.now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	if err := s.validateTemplate(&tmpl); err != nil {
		return nil, err
	}
	if err := s.store.SaveTemplate(ctx, tmpl); err != nil {
		return nil, err
	}

	s.logger.Info("Template created", zap.String("template_id", tmpl.ID), zap.String("name", tmpl.Name))
	return &tmpl, nil
}

// UpdateTemplate replaces a template's definition
func (s *Service) UpdateTemplate(ctx context.Context, id string, tmpl automation.Template) (*automation.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	tmpl.ID = id
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = s.now()

	if err := s.validateTemplate(&tmpl); err != nil {
		return nil, err
	}
	if err := s.store.SaveTemplate(ctx, tmpl); err != nil {
		return nil, err
	}

	s.logger.Info("Template updated", zap.String("template_id", id))
	return &tmpl, nil
}

// DeleteTemplate removes a template that no rule references
func (s *Service) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.Message.TemplateID == id {
			return automation.NewConfigError("template_id", "template %s is used by rule %s", id, rule.ID)
		}
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Template deleted", zap.String("template_id", id))
	return nil
}

// GetTemplate returns a template by id
func (s *Service) GetTemplate(ctx context.Context, id string) (*automation.Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// ListTemplates returns every template
func (s *Service) ListTemplates(ctx context.Context) ([]automation.Template, error) {
	return s.store.ListTemplates(ctx)
}

// Preview is a template rendered with example values
type Preview struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PreviewTemplate renders a stored template with its examples, overridden by bindings
func (s *Service) PreviewTemplate(ctx context.Context, id string, bindings map[string]string) (*Preview, error) {
	tmpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	examples := make(map[string]string, len(tmpl.Examples)+len(bindings))
	for k, v := range tmpl.Examples {
		examples[k] = v
	}
	for k, v := range bindings {
		examples[k] = v
	}
	return &Preview{
		Title: template.Preview(tmpl.Title, tmpl.Variables, examples),
		Body:  template.Preview(tmpl.Content, tmpl.Variables, examples),
	}, nil
}

func (s *Service) validateRule(ctx context.Context, rule *automation.Rule) error {
	if err := s.validator.Struct(rule); err != nil {
		return fromValidation(err)
	}
	if err := automation.ValidateSchedule(rule.Schedule); err != nil {
		return err
	}

	c := rule.Conditions
	if c.MinRating != nil && c.MaxRating != nil && *c.MinRating > *c.MaxRating {
		return automation.NewConfigError("conditions.min_rating", "min rating %.2f exceeds max rating %.2f", *c.MinRating, *c.MaxRating)
	}

	seen := make(map[automation.Channel]bool, len(rule.Channels))
	for _, ch := range rule.Channels {
		if seen[ch] {
			return automation.NewConfigError("channels", "channel %s listed twice", ch)
		}
		seen[ch] = true
	}

	msg := &rule.Message
	if msg.TemplateID != "" {
		tmpl, err := s.store.GetTemplate(ctx, msg.TemplateID)
		if errors.Is(err, automation.ErrNotFound) {
			return automation.NewConfigError("message.template_id", "template %s does not exist", msg.TemplateID)
		}
		if err != nil {
			return err
		}
		if msg.Title != "" {
			if err := template.Validate(msg.Title, append(tmpl.Variables, msg.Variables...)); err != nil {
				return automation.NewConfigError("message.title", "%v", err)
			}
		}
		return nil
	}

	if strings.TrimSpace(msg.Body) == "" {
		return automation.NewConfigError("message", "message needs a template_id or an inline body")
	}
	return declareVariables(&msg.Variables, "message", msg.Title, msg.Body)
}

func (s *Service) validateTemplate(tmpl *automation.Template) error {
	if err := s.validator.Struct(tmpl); err != nil {
		return fromValidation(err)
	}
	return declareVariables(&tmpl.Variables, "template", tmpl.Title, tmpl.Content)
}

// declareVariables derives the variable list when none is declared, and
// otherwise checks that it covers every placeholder
func declareVariables(variables *[]string, field string, contents ...string) error {
	if len(*variables) == 0 {
		var derived []string
		seen := make(map[string]bool)
		for _, content := range contents {
			for _, name := range template.Placeholders(content) {
				if !seen[name] {
					seen[name] = true
					derived = append(derived, name)
				}
			}
		}
		*variables = derived
		return nil
	}
	for _, content := range contents {
		if err := template.Validate(content, *variables); err != nil {
			return automation.NewConfigError(field+".variables", "%v", err)
		}
	}
	return nil
}

// fromValidation converts the first validator failure into a ConfigError
func fromValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return automation.NewConfigError("", "%v", err)
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return automation.NewConfigError(field, "failed %s=%s validation", fe.Tag(), fe.Param())
	}
	return automation.NewConfigError(field, "failed %s validation", fe.Tag())
}
