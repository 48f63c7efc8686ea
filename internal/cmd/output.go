package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/infersched/internal/errors"
)

var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
)

// printer writes command output, styled when w is a terminal.
type printer struct {
	w      io.Writer
	styled bool

	title   lipgloss.Style
	label   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w, styled: isTerminal(w)}
	if p.styled {
		p.title = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
		p.label = lipgloss.NewStyle().Bold(true)
		p.success = lipgloss.NewStyle().Foreground(successColor)
		p.warning = lipgloss.NewStyle().Foreground(warningColor)
		p.failure = lipgloss.NewStyle().Foreground(errorColor)
		p.muted = lipgloss.NewStyle().Foreground(mutedColor)
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *printer) Title(s string) {
	fmt.Fprintln(p.w, p.title.Render(strings.ToUpper(s)))
	fmt.Fprintln(p.w, p.muted.Render(strings.Repeat("─", 50)))
}

func (p *printer) Field(name string, format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.label.Render(name+":"), fmt.Sprintf(format, args...))
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.success.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warning.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) Fail(format string, args ...any) {
	fmt.Fprintln(p.w, p.failure.Render(fmt.Sprintf(format, args...)))
}

// Error prints label with err, styled by the error's severity. Errors that
// are not user facing are shown by kind only; the full text is logged.
func (p *printer) Error(label string, err error) {
	msg := errors.Kind(err)
	if errors.IsUserFacing(err) {
		msg = err.Error()
	}
	if errors.GetSeverity(err) <= errors.SeverityWarning {
		p.Warn("%s: %s", label, msg)
		return
	}
	p.Fail("%s: %s", label, msg)
}

func (p *printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) Line() {
	fmt.Fprintln(p.w)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
