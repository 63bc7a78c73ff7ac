// Package ui holds the lipgloss palette and styles for the terminal UI.
package ui

import "github.com/charmbracelet/lipgloss"

// Palette. Each color adapts to light and dark terminal backgrounds.
var (
	Gold  = lipgloss.AdaptiveColor{Light: "#9A6B00", Dark: "#E5C07B"}
	Navy  = lipgloss.AdaptiveColor{Light: "#1F3A68", Dark: "#61AFEF"}
	Teal  = lipgloss.AdaptiveColor{Light: "#00796B", Dark: "#56B6C2"}
	Rose  = lipgloss.AdaptiveColor{Light: "#B00020", Dark: "#E06C75"}
	Leaf  = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#98C379"}
	Plum  = lipgloss.AdaptiveColor{Light: "#6A1B9A", Dark: "#C678DD"}
	Ink   = lipgloss.AdaptiveColor{Light: "#1E1E1E", Dark: "#ABB2BF"}
	Muted = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#5C6370"}
	Rule  = lipgloss.AdaptiveColor{Light: "#BDBDBD", Dark: "#3E4451"}
)

func fg(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

func bold(c lipgloss.TerminalColor) lipgloss.Style { return fg(c).Bold(true) }

// Header and status bar.
var (
	TitleStyle        = bold(Gold).Underline(true)
	StatusStyle       = fg(Muted)
	OnlineDotStyle    = bold(Leaf)
	OfflineDotStyle   = bold(Rose)
	RecordingDotStyle = bold(Rose).Blink(true)
	PausedDotStyle    = bold(Gold)
	IdleDotStyle      = fg(Muted)
	SpinnerStyle      = fg(Plum)
	AudioBadgeStyle   = fg(Teal)
	ErrorStyle        = bold(Rose)
	ErrorTextStyle    = fg(Rose)
)

// Conversation transcript.
var (
	UserLabelStyle      = bold(Navy)
	AssistantLabelStyle = bold(Gold)
	StreamingTextStyle  = fg(Ink).Italic(true)
	TimestampStyle      = fg(Muted)
	SourceLabelStyle    = fg(Teal).Italic(true)
)

// Panels, input and footer.
var (
	PanelTitleStyle       = bold(Ink)
	PanelTitleActiveStyle = bold(Gold)
	SelectedStyle         = bold(Navy).Reverse(true)
	CurrentMarkerStyle    = fg(Leaf)
	DimStyle              = fg(Muted)
	PromptStyle           = bold(Gold)
	FooterKeyStyle        = bold(Navy)
	FooterDescStyle       = fg(Muted)
	DividerStyle          = fg(Rule)
	LiveBadgeStyle        = bold(Leaf)
	ScrollBadgeStyle      = bold(Gold)
)
