// Package notification renders clinician and patient messages from templates
// and delivers them through the monitoring agent's message interface.
package notification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careagent/pregnancy/internal/platform/agent"
)

// Built-in template ids.
const (
	TplOrdersDoctor    = "orders-changed-doctor"
	TplOrdersPatient   = "orders-changed-patient"
	TplTrendWeight     = "trend-weight"
	TplTrendWaist      = "trend-waist"
	TplSymptomsDoctor  = "symptoms-doctor"
	TplSymptomsWarning = "symptoms-patient-warning"
	TplSymptomsNormal  = "symptoms-patient-normal"
)

// Sender delivers a message to a contract's chat.
type Sender interface {
	SendMessage(ctx context.Context, contractID int64, msg agent.Message) agent.Result
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable message and how it is delivered.
type Template struct {
	ID         string
	Name       string
	Body       string
	Audience   agent.Audience
	Urgent     bool
	NeedAnswer bool
}

// TemplateEngine manages message templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:       TplOrdersDoctor,
			Name:     "Orders changed (doctor)",
			Body:     "In line with the pregnancy monitoring protocol {{changes}}Orders can be changed in the settings of the monitoring agent.",
			Audience: agent.AudienceDoctor,
		},
		{
			ID:       TplOrdersPatient,
			Name:     "Orders changed (patient)",
			Body:     "In line with the pregnancy monitoring protocol {{changes}}If you have any questions, you can ask your doctor in the chat.",
			Audience: agent.AudiencePatient,
		},
		{
			ID:         TplTrendWeight,
			Name:       "Weight gain alert",
			Body:       "Warning: the latest weight ({{last}} kg) exceeds the average of the previous week ({{mean}} kg) by {{delta}} kg.",
			Audience:   agent.AudienceDoctor,
			Urgent:     true,
			NeedAnswer: true,
		},
		{
			ID:         TplTrendWaist,
			Name:       "Waist growth alert",
			Body:       "Warning: the latest waist circumference ({{last}} cm) changed by only {{delta}} cm against the average of the previous week ({{mean}} cm).",
			Audience:   agent.AudienceDoctor,
			Urgent:     true,
			NeedAnswer: true,
		},
		{
			ID:         TplSymptomsDoctor,
			Name:       "Symptoms reported",
			Body:       "The patient reported the following symptoms: {{symptoms}}.",
			Audience:   agent.AudienceDoctor,
			Urgent:     true,
			NeedAnswer: true,
		},
		{
			ID:       TplSymptomsWarning,
			Name:     "Symptoms acknowledged",
			Body:     "Thank you for filling in the questionnaire! We have told your doctor about the symptoms that are a concern at your stage of pregnancy ({{symptoms}}). The doctor will contact you shortly.",
			Audience: agent.AudiencePatient,
			Urgent:   true,
		},
		{
			ID:       TplSymptomsNormal,
			Name:     "Symptoms normal",
			Body:     "Thank you for filling in the questionnaire! The symptoms you listed are most likely normal for your stage of pregnancy. If you still have questions, you can ask your doctor in the chat.",
			Audience: agent.AudiencePatient,
		},
	}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (agent.Message, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return agent.Message{}, fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return agent.Message{
		Text:       body,
		Urgent:     t.Urgent,
		Audience:   t.Audience,
		NeedAnswer: t.NeedAnswer,
	}, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier turns order changes, trend alerts and symptom reports into agent
// messages.
type Notifier struct {
	sender    Sender
	templates *TemplateEngine
	logger    zerolog.Logger
}

func NewNotifier(sender Sender, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Notifier{sender: sender, templates: tpl, logger: logger}
}

// send renders a template and delivers it. Every attempt is logged under a
// notification id so that failures can be traced in the agent's logs.
func (n *Notifier) send(ctx context.Context, contractID int64, templateID string, data map[string]string) error {
	msg, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	log := n.logger.With().
		Str("notification_id", uuid.New().String()).
		Int64("contract_id", contractID).
		Str("template", templateID).
		Str("audience", msg.Audience.String()).
		Logger()
	res := n.sender.SendMessage(ctx, contractID, msg)
	if !res.OK() {
		log.Warn().Err(res.Err).Str("outcome", res.Status.String()).Msg("message not delivered")
		return fmt.Errorf("send %s: %w", templateID, res.Err)
	}
	log.Debug().Msg("message sent")
	return nil
}

// OrdersChanged tells the doctor and the patient which orders started and
// stopped. Both messages are attempted even if the first fails.
func (n *Notifier) OrdersChanged(ctx context.Context, contractID int64, started, stopped []string) error {
	if len(started) == 0 && len(stopped) == 0 {
		return nil
	}
	data := map[string]string{"changes": describeChanges(started, stopped)}
	errDoctor := n.send(ctx, contractID, TplOrdersDoctor, data)
	errPatient := n.send(ctx, contractID, TplOrdersPatient, data)
	return errors.Join(errDoctor, errPatient)
}

func describeChanges(started, stopped []string) string {
	var b strings.Builder
	if len(started) > 0 {
		b.WriteString("the following orders were started:\n - ")
		b.WriteString(strings.Join(started, "\n - "))
		b.WriteString("\n\n")
	}
	if len(started) > 0 && len(stopped) > 0 {
		b.WriteString("Also ")
	}
	if len(stopped) > 0 {
		b.WriteString("the following orders were cancelled:\n - ")
		b.WriteString(strings.Join(stopped, "\n - "))
		b.WriteString("\n\n")
	}
	return b.String()
}

// TrendAlert warns the doctor about a measurement trend. templateID selects
// the weight or waist wording.
func (n *Notifier) TrendAlert(ctx context.Context, contractID int64, templateID string, last, mean, delta float64) error {
	return n.send(ctx, contractID, templateID, map[string]string{
		"last":  formatValue(last),
		"mean":  formatValue(mean),
		"delta": formatValue(delta),
	})
}

// SymptomReport escalates warnings to the doctor and acknowledges the
// patient, or reassures the patient when nothing is concerning.
func (n *Notifier) SymptomReport(ctx context.Context, contractID int64, warnings []string) error {
	if len(warnings) == 0 {
		return n.send(ctx, contractID, TplSymptomsNormal, nil)
	}
	data := map[string]string{"symptoms": strings.Join(warnings, " / ")}
	errDoctor := n.send(ctx, contractID, TplSymptomsDoctor, data)
	errPatient := n.send(ctx, contractID, TplSymptomsWarning, data)
	return errors.Join(errDoctor, errPatient)
}

// formatValue rounds to two decimals for display.
func formatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
