package content

import (
	"strconv"
	"strings"
	"time"
)

// Phrasing holds the rules for speaking dates and times in one
// language. Templates use {placeholder} tokens.
type Phrasing struct {
	// Weekdays are indexed by time.Weekday (Sunday first).
	Weekdays []string `yaml:"weekdays" json:"weekdays"`
	Months   []string `yaml:"months" json:"months"`

	// Date uses {weekday}, {month}, {day} and {year}.
	Date string `yaml:"date" json:"date"`
	// OrdinalDays renders {day} as 1st, 2nd, 3rd (English only).
	OrdinalDays bool `yaml:"ordinal_days" json:"ordinal_days"`

	// Clock is "12h" or "24h".
	Clock string `yaml:"clock" json:"clock"`
	AM    string `yaml:"am" json:"am,omitempty"`
	PM    string `yaml:"pm" json:"pm,omitempty"`
	// Time uses {hour}, {minute} and {period}.
	Time string `yaml:"time" json:"time"`

	// Context uses {date}, {time} and {timezone}.
	Context string `yaml:"context" json:"context"`
}

func (p Phrasing) valid() bool {
	return len(p.Weekdays) == 7 && len(p.Months) == 12 && p.Date != "" && p.Time != "" && p.Context != ""
}

// FormatDate renders t as a spoken date, e.g. "Monday, October 19th, 2026".
func (p Phrasing) FormatDate(t time.Time) string {
	day := strconv.Itoa(t.Day())
	if p.OrdinalDays {
		day = ordinal(t.Day())
	}
	return strings.NewReplacer(
		"{weekday}", p.Weekdays[int(t.Weekday())],
		"{month}", p.Months[int(t.Month())-1],
		"{day}", day,
		"{year}", strconv.Itoa(t.Year()),
	).Replace(p.Date)
}

// FormatTime renders t as a spoken clock time, e.g. "3:04 PM".
func (p Phrasing) FormatTime(t time.Time) string {
	hour := t.Hour()
	period := ""
	if p.Clock == "12h" {
		period = p.AM
		if hour >= 12 {
			period = p.PM
		}
		hour %= 12
		if hour == 0 {
			hour = 12
		}
	}
	out := strings.NewReplacer(
		"{hour}", strconv.Itoa(hour),
		"{minute}", twoDigits(t.Minute()),
		"{period}", period,
	).Replace(p.Time)
	return strings.TrimSpace(out)
}

// FormatContext renders the "today is ..." sentence injected into the
// system prompt.
func (p Phrasing) FormatContext(t time.Time, timezone string) string {
	out := strings.NewReplacer(
		"{date}", p.FormatDate(t),
		"{time}", p.FormatTime(t),
		"{timezone}", timezone,
	).Replace(p.Context)
	return strings.Join(strings.Fields(out), " ")
}

// RenderPrompt fills the prompt placeholders: {{CURRENT_DATE_CONTEXT}},
// {{TIMEZONE}} and {{AGENT_NAME}}. now should already be in the
// user's time zone.
func (l *Localized) RenderPrompt(now time.Time, timezone, agentName string) string {
	return strings.NewReplacer(
		"{{CURRENT_DATE_CONTEXT}}", l.Phrasing.FormatContext(now, timezone),
		"{{TIMEZONE}}", timezone,
		"{{AGENT_NAME}}", agentName,
	).Replace(l.Prompt)
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
