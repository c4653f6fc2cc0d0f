// Package ui holds the lipgloss styles for the leecher shell: red for
// errors, green for successes, yellow for empty-result advisories.
package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	adviseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Errorf prints a red error line.
func Errorf(format string, args ...any) {
	fmt.Println(errorStyle.Render(fmt.Sprintf(format, args...)))
}

// Successf prints a green success line.
func Successf(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Advisef prints a yellow advisory line, used for empty listings.
func Advisef(format string, args ...any) {
	fmt.Println(adviseStyle.Render(fmt.Sprintf(format, args...)))
}

// Plainf prints an uncolored line.
func Plainf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}
