package booking

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

const (
	DefaultTitleTemplate       = "Appointment - {{name}}"
	DefaultDescriptionTemplate = "Phone: {{phone}}\nEmail: {{email}}\nNotes: {{notes}}"
)

// Templates renders event titles and descriptions from tenant text with
// {{name}}, {{phone}}, {{email}} and {{notes}} placeholders.
type Templates struct {
	Title       string
	Description string
}

func (t Templates) withDefaults() Templates {
	if strings.TrimSpace(t.Title) == "" {
		t.Title = DefaultTitleTemplate
	}
	if strings.TrimSpace(t.Description) == "" {
		t.Description = DefaultDescriptionTemplate
	}
	return t
}

// Render substitutes attendee details. Unknown placeholders are left as is.
func Render(tmpl string, attendee calendar.Attendee, notes string) string {
	r := strings.NewReplacer(
		"{{name}}", attendee.Name,
		"{{phone}}", attendee.Phone,
		"{{email}}", attendee.Email,
		"{{notes}}", notes,
	)
	return strings.TrimSpace(r.Replace(tmpl))
}

// 32 symbols so each random byte maps without bias; 0/O and 1/I are dropped.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ConfirmationCode returns an 8-character uppercase code a patient can read
// back over the phone.
func ConfirmationCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("booking: confirmation code: %w", err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}
