package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jwulff/consulta/internal/audio"
	"github.com/jwulff/consulta/internal/domain"
	"github.com/jwulff/consulta/internal/session"
	"github.com/jwulff/consulta/internal/ui"
)

func (m *Model) scrollToBottom() {
	m.scroll = m.maxScroll()
}

func (m Model) maxScroll() int {
	total := len(m.conversationLines(m.conversationPanelWidth()))
	visible := m.contentHeight() - 1
	if total <= visible {
		return 0
	}
	return total - visible
}

func (m Model) contentHeight() int {
	if m.height == 0 {
		return 20
	}
	// header, status, two dividers, input, error, footer
	reserved := 8
	return max(5, m.height-reserved)
}

func (m Model) sessionPanelWidth() int {
	if m.width == 0 {
		return 30
	}
	return max(20, m.width*28/100)
}

func (m Model) conversationPanelWidth() int {
	if m.width == 0 {
		return 60
	}
	return max(30, m.width-m.sessionPanelWidth()-3)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Iniciando..."
	}

	divider := ui.DividerStyle.Render(strings.Repeat("─", m.width))
	sections := []string{
		m.renderHeader(),
		m.renderStatusBar(),
		divider,
		m.renderMainContent(),
		divider,
		m.renderInput(),
	}
	if m.errorMessage != "" {
		sections = append(sections, m.renderErrorBar())
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	title := ui.TitleStyle.Render("CONSULTA LEGAL")

	var conn string
	switch {
	case m.connected:
		conn = ui.OnlineDotStyle.Render(" ●")
	case m.reconnecting:
		conn = ui.OfflineDotStyle.Render(" ○")
	}

	var sessionTitle string
	if s, ok := m.currentSession(); ok {
		sessionTitle = ui.DimStyle.Render(" · " + s.Title)
	}

	mode := ui.DimStyle.Render(" [texto]")
	if m.mode == domain.ResponseAudio {
		mode = ui.DimStyle.Render(" [audio]")
	}

	var docs string
	if len(m.documents) > 0 {
		docs = ui.DimStyle.Render(fmt.Sprintf(" 📎%d", len(m.documents)))
	}
	return title + conn + sessionTitle + mode + docs
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.rec.State {
	case audio.StateRecording:
		dot = ui.RecordingDotStyle.Render(fmt.Sprintf("● REC %s", clock(m.rec.Seconds)))
	case audio.StatePaused:
		dot = ui.PausedDotStyle.Render(fmt.Sprintf("❚❚ PAUSA %s", clock(m.rec.Seconds)))
	case audio.StateAcquiring:
		dot = ui.PausedDotStyle.Render("… micrófono")
	case audio.StateStopped:
		dot = ui.IdleDotStyle.Render(fmt.Sprintf("■ grabación lista %s", clock(m.rec.Seconds)))
	default:
		dot = ui.IdleDotStyle.Render("○ listo")
	}

	var processing string
	if m.processing {
		processing = "  " + ui.SpinnerStyle.Render("⟳ procesando")
	}
	var playing string
	if m.playing {
		playing = "  " + ui.AudioBadgeStyle.Render("♪ reproduciendo")
	}
	return dot + processing + playing + "  " + ui.StatusStyle.Render(m.statusText)
}

func clock(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func (m Model) renderMainContent() string {
	sessionW := m.sessionPanelWidth()
	contentH := m.contentHeight()

	left := strings.Split(m.renderSessionPanel(sessionW, contentH), "\n")
	right := strings.Split(m.renderConversationPanel(m.conversationPanelWidth(), contentH), "\n")
	divider := ui.DividerStyle.Render("│")

	rows := make([]string, contentH)
	for i := range rows {
		l := strings.Repeat(" ", sessionW)
		if i < len(left) {
			l = left[i]
		}
		r := ""
		if i < len(right) {
			r = right[i]
		}
		rows[i] = l + divider + r
	}
	return strings.Join(rows, "\n")
}

func (m Model) renderSessionPanel(width, height int) string {
	label := fmt.Sprintf("CONSULTAS (%d)", len(m.sessions))
	header := ui.PanelTitleStyle.Render(label)
	if m.focusedPanel == FocusSessions {
		header = ui.PanelTitleActiveStyle.Render(label)
	}

	lines := []string{header}
	if len(m.sessions) == 0 {
		lines = append(lines, ui.DimStyle.Render("  Sin consultas aún"))
		lines = append(lines, ui.DimStyle.Render("  Escribe una pregunta"))
	}
	for i, s := range m.sessions {
		marker := "  "
		if s.ID == m.currentID {
			marker = ui.CurrentMarkerStyle.Render("• ")
		}
		title := fmt.Sprintf("%s (%d)", s.Title, s.MessageCount)
		var line string
		if i == m.selected && m.focusedPanel == FocusSessions {
			line = ui.SelectedStyle.Render("> ") + ui.SelectedStyle.Render(truncateToWidth(title, width-4))
		} else {
			line = marker + truncateToWidth(title, width-4)
		}
		lines = append(lines, line)
	}

	if len(lines) > height {
		lines = lines[:height]
	}
	for i, l := range lines {
		lines[i] = padRight(l, width)
	}
	return strings.Join(lines, "\n")
}

// conversationLines renders the transcript into display lines, the streaming
// partial included.
func (m Model) conversationLines(width int) []string {
	const prefixWidth = 17 // "[15:04] Asesor: "
	textWidth := max(10, width-prefixWidth-2)
	indent := strings.Repeat(" ", prefixWidth)

	var out []string
	for _, msg := range m.messages {
		ts := ui.TimestampStyle.Render(msg.Timestamp.Format("[15:04]"))
		label := ui.UserLabelStyle.Render("Tú:     ")
		if msg.Role == domain.RoleAssistant {
			label = ui.AssistantLabelStyle.Render("Asesor: ")
		}

		text := msg.Content
		streaming := msg.ID == m.partialID && m.partialID != ""
		if streaming {
			text = m.partialText + "▌"
		}
		if msg.AudioURL != "" {
			text = "♪ " + text
		}

		wrapped := wrapText(text, textWidth)
		style := lipgloss.NewStyle()
		if streaming {
			style = ui.StreamingTextStyle
		}
		out = append(out, ts+" "+label+style.Render(wrapped[0]))
		for _, wl := range wrapped[1:] {
			out = append(out, indent+style.Render(wl))
		}
		if len(msg.Sources) > 0 && !streaming {
			titles := make([]string, len(msg.Sources))
			for i, s := range msg.Sources {
				titles[i] = s.Title
			}
			out = append(out, indent+ui.SourceLabelStyle.Render(truncateToWidth("Fuentes: "+strings.Join(titles, "; "), textWidth)))
		}
	}

	if m.showSuggestions() {
		out = append(out, "")
		for _, cat := range m.suggestions {
			out = append(out, ui.SourceLabelStyle.Render(cat.Category))
			for _, q := range cat.Queries {
				out = append(out, ui.DimStyle.Render("  · "+q))
			}
		}
	}
	return out
}

func (m Model) showSuggestions() bool {
	if len(m.suggestions) == 0 {
		return false
	}
	for _, msg := range m.messages {
		if !session.IsWelcome(msg) {
			return false
		}
	}
	return true
}

func (m Model) renderConversationPanel(width, height int) string {
	badge := ui.LiveBadgeStyle.Render(" EN VIVO")
	if !m.live {
		badge = ui.ScrollBadgeStyle.Render(" DESPLAZANDO")
	}
	header := ui.PanelTitleStyle.Render("CONVERSACIÓN") + badge
	if m.focusedPanel == FocusConversation {
		header = ui.PanelTitleActiveStyle.Render("CONVERSACIÓN") + badge
	}
	lines := []string{header}
	contentHeight := height - 1

	switch {
	case !m.connected && m.reconnecting:
		lines = append(lines, "", ui.ErrorTextStyle.Render("  Servidor desconectado. Reintentando..."))
		if m.connError != "" {
			lines = append(lines, ui.DimStyle.Render("  "+truncateToWidth(m.connError, width-4)))
		}
	case m.currentID == "" && len(m.messages) == 0:
		lines = append(lines, "", ui.DimStyle.Render("  Escribe tu consulta legal y pulsa Enter"))
		lines = append(lines, ui.DimStyle.Render("  o graba una pregunta con Ctrl+R"))
		if m.showSuggestions() {
			lines = append(lines, m.conversationLines(width)...)
		}
	default:
		display := m.conversationLines(width)
		start := m.scroll
		if m.live && len(display) > contentHeight {
			start = len(display) - contentHeight
		}
		start = max(0, min(start, len(display)))
		end := min(start+contentHeight, len(display))
		for _, l := range display[start:end] {
			lines = append(lines, "  "+l)
		}
	}

	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderInput() string {
	prompt := ui.PromptStyle.Render("> ")
	text := string(m.input)
	if m.focusedPanel == FocusConversation {
		text += "▌"
	}
	return prompt + truncateToWidth(text, max(10, m.width-2))
}

func (m Model) renderErrorBar() string {
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(m.errorMessage)
}

func (m Model) renderFooter() string {
	key := func(k, desc string) string {
		return ui.FooterKeyStyle.Render(k) + ui.FooterDescStyle.Render(" "+desc)
	}
	var parts []string
	if m.focusedPanel == FocusSessions {
		parts = append(parts, key("j/k", "Navegar"), key("Enter", "Abrir"), key("n", "Nueva"), key("d", "Borrar"), key("q", "Salir"))
	} else {
		rec := "Grabar"
		if m.rec.IsRecording || m.rec.IsPaused {
			rec = "Detener"
		}
		parts = append(parts, key("^R", rec), key("^P", "Pausa"), key("^S", "Enviar voz"), key("^T", "Transcribir"), key("^O", "Escuchar"), key("^A", "Modo"))
	}
	parts = append(parts, key("Tab", "Panel"), key("↑↓", "Desplazar"), key("^C", "Salir"))
	return strings.Join(parts, "  ")
}

func (m Model) currentSession() (domain.Session, bool) {
	for _, s := range m.sessions {
		if s.ID == m.currentID {
			return s, true
		}
	}
	return domain.Session{}, false
}

// Helpers

func padRight(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func truncateToWidth(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if len(runes) > width-1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		var current []rune
		for _, word := range strings.Fields(paragraph) {
			w := []rune(word)
			switch {
			case len(current) == 0:
				current = w
			case len(current)+1+len(w) <= width:
				current = append(append(current, ' '), w...)
			default:
				lines = append(lines, string(current))
				current = w
			}
		}
		lines = append(lines, string(current))
	}
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
