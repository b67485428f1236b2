// Package validation holds field-level checks for control-surface inputs:
// trade signals, instruments, channel names, balances, mode labels.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tradefabric/tradefabric/internal/risk"
)

// FieldError is one failed check.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors collects every failed check of one validation pass.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// HasErrors reports whether any check failed.
func (e Errors) HasErrors() bool { return len(e) > 0 }

// OrNil returns the collected errors as an error, nil when clean.
func (e Errors) OrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Validator accumulates field errors across checks.
type Validator struct {
	errors Errors
}

func New() *Validator { return &Validator{} }

// AddError records one failure.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, FieldError{Field: field, Message: message})
}

// Errors returns everything collected so far.
func (v *Validator) Errors() Errors { return v.errors }

// HasErrors reports whether any check failed.
func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

// Required fails on an empty or all-whitespace string.
func (v *Validator) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
	}
}

// Positive fails on zero or negative values.
func (v *Validator) Positive(field string, value float64) {
	if value <= 0 {
		v.AddError(field, "must be positive")
	}
}

// Range fails outside [min, max].
func (v *Validator) Range(field string, value, min, max float64) {
	if value < min || value > max {
		v.AddError(field, fmt.Sprintf("must be between %v and %v", min, max))
	}
}

// OneOf fails unless value is in the allowed set.
func (v *Validator) OneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.AddError(field, "must be one of: "+strings.Join(allowed, ", "))
}

// MaxLength fails past max bytes.
func (v *Validator) MaxLength(field, value string, max int) {
	if len(value) > max {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

var instrumentPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_-]{1,29}$`)

// Instrument checks an instrument identifier: uppercase, alphanumeric with
// underscore or dash, 2 to 30 characters.
func (v *Validator) Instrument(field, value string) {
	if !instrumentPattern.MatchString(value) {
		v.AddError(field, "must be an uppercase instrument identifier")
	}
}

// channelPattern permits pub/sub channel names and glob subscriptions.
var channelPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:*?-]{1,128}$`)

// Channel checks a pub/sub channel name or glob pattern.
func (v *Validator) Channel(field, value string) {
	if !channelPattern.MatchString(value) {
		v.AddError(field, "must be a channel name or glob pattern")
	}
}

// ModeLabels are the accepted operating modes on the control surface.
var ModeLabels = []string{"paper_mock", "paper_live", "live"}

// ModeLabel checks an operating-mode label.
func (v *Validator) ModeLabel(field, value string) {
	v.Required(field, value)
	if v.HasErrors() {
		return
	}
	v.OneOf(field, value, ModeLabels)
}

// Balance checks a simulated-balance reset amount.
func (v *Validator) Balance(field string, value float64) {
	v.Positive(field, value)
	if value > 0 {
		v.Range(field, value, 100, 100_000_000)
	}
}

// TradeSignal checks a typed trade proposal beyond what risk.TradeSignal's
// own Validate enforces: bounded confidence and coherent protective levels.
func TradeSignal(sig risk.TradeSignal) error {
	v := New()
	v.Instrument("instrument", sig.Instrument)
	v.OneOf("side", string(sig.Side), []string{string(risk.SideBuy), string(risk.SideSell)})
	v.Positive("entry_price", sig.EntryPrice)
	v.Positive("stop_loss", sig.StopLoss)
	v.Range("confidence", sig.Confidence, 0, 1)

	if sig.EntryPrice > 0 && sig.StopLoss > 0 {
		switch sig.Side {
		case risk.SideBuy:
			if sig.StopLoss >= sig.EntryPrice {
				v.AddError("stop_loss", "must be below the entry for a BUY")
			}
			if sig.TakeProfit != 0 && sig.TakeProfit <= sig.EntryPrice {
				v.AddError("take_profit", "must be above the entry for a BUY")
			}
		case risk.SideSell:
			if sig.StopLoss <= sig.EntryPrice {
				v.AddError("stop_loss", "must be above the entry for a SELL")
			}
			if sig.TakeProfit != 0 && sig.TakeProfit >= sig.EntryPrice {
				v.AddError("take_profit", "must be below the entry for a SELL")
			}
		}
	}
	return v.Errors().OrNil()
}

// SanitizeInput strips null bytes, trims whitespace, and caps the length of
// free-form operator input.
func SanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 10000 {
		input = input[:10000]
	}
	return input
}

// SanitizeInstrument normalizes an instrument identifier.
func SanitizeInstrument(instrument string) string {
	return strings.ToUpper(strings.TrimSpace(instrument))
}
