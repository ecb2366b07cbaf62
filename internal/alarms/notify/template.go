package notify

import (
	"bytes"
	"errors"
	"text/template"
	"time"

	alarmapp "medication-reminder/internal/alarms/application"
	alarms "medication-reminder/internal/alarms/domain"
)

// DefaultTemplates are keyed by lifecycle event.
var DefaultTemplates = map[string]EventTemplate{
	alarmapp.EventDue: {
		Title: `Time for {{.Medication}}`,
		Body:  `Take {{.Medication}}{{if .Dosage}} ({{.Dosage}}){{end}} scheduled at {{.ScheduledTime}}.`,
	},
	alarmapp.EventReminder: {
		Title: `Reminder: {{.Medication}}`,
		Body:  `{{.Medication}} scheduled at {{.ScheduledTime}} is still waiting. Reminder {{.ReminderCount}} of {{.MaxReminders}}.`,
	},
	alarmapp.EventReactivated: {
		Title: `Snooze over: {{.Medication}}`,
		Body:  `Take {{.Medication}}{{if .Dosage}} ({{.Dosage}}){{end}} scheduled at {{.ScheduledTime}}.`,
	},
	alarmapp.EventMissed: {
		Title: `Missed dose: {{.Medication}}`,
		Body:  `{{.Patient}} did not confirm {{.Medication}} scheduled at {{.ScheduledTime}} ({{.Reason}}).`,
	},
}

// EventTemplate is the unparsed title and body of one event.
type EventTemplate struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event         string
	Medication    string
	Dosage        string
	Patient       string
	ScheduledTime string
	ReminderCount int
	MaxReminders  int
	Reason        string
}

type parsedTemplate struct {
	title *template.Template
	body  *template.Template
}

// Template renders notification content per event.
type Template struct {
	events map[string]parsedTemplate
	loc    *time.Location
}

// NewTemplate parses templates, falling back to DefaultTemplates for missing events.
func NewTemplate(overrides map[string]EventTemplate, loc *time.Location) (*Template, error) {
	if loc == nil {
		loc = time.UTC
	}
	merged := make(map[string]EventTemplate, len(DefaultTemplates))
	for event, tpl := range DefaultTemplates {
		merged[event] = tpl
	}
	for event, tpl := range overrides {
		merged[event] = tpl
	}
	t := &Template{events: make(map[string]parsedTemplate, len(merged)), loc: loc}
	for event, tpl := range merged {
		title, err := template.New(event + "-title").Parse(tpl.Title)
		if err != nil {
			return nil, err
		}
		body, err := template.New(event + "-body").Parse(tpl.Body)
		if err != nil {
			return nil, err
		}
		t.events[event] = parsedTemplate{title: title, body: body}
	}
	return t, nil
}

// Supports reports whether a template exists for event.
func (t *Template) Supports(event string) bool {
	if t == nil {
		return false
	}
	_, ok := t.events[event]
	return ok
}

// Render builds the message for an alarm event.
func (t *Template) Render(event string, alarm alarms.Alarm, patientName string) (Message, error) {
	if t == nil {
		return Message{}, errors.New("alarm template: nil")
	}
	tpl, ok := t.events[event]
	if !ok {
		return Message{}, errors.New("alarm template: no template for " + event)
	}
	data := TemplateData{
		Event:         event,
		Medication:    alarm.MedicationName,
		Dosage:        alarm.Dosage,
		Patient:       patientName,
		ScheduledTime: alarm.ScheduledTime.In(t.loc).Format("15:04"),
		ReminderCount: alarm.ReminderCount,
		MaxReminders:  alarm.MaxReminders,
		Reason:        alarm.MissedReason,
	}
	if data.Medication == "" {
		data.Medication = "your medication"
	}
	if data.Patient == "" {
		data.Patient = alarm.PatientID
	}
	var title, body bytes.Buffer
	if err := tpl.title.Execute(&title, data); err != nil {
		return Message{}, err
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return Message{}, err
	}
	return Message{
		AlarmID:  alarm.ID,
		Event:    event,
		Title:    title.String(),
		Body:     body.String(),
		Priority: priorityFor(event),
	}, nil
}

func priorityFor(event string) Priority {
	switch event {
	case alarmapp.EventDue:
		return PriorityNormal
	default:
		return PriorityHigh
	}
}
