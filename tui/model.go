package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// state represents the current phase of a session command.
type state int

const (
	stateInit       state = iota
	stateRefreshing       // refreshing the stored token
	stateDeviceFlow       // device code received, showing to user
	statePolling          // waiting for user authorization
	stateLoading          // fetching access documents
	stateSuccess          // summary shown
	stateSignedOut        // session removed
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the dashboard session TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Device code info
	userCode          string
	verifyURI         string
	verifyURIComplete string
	codeExpiry        time.Time
	remaining         time.Duration

	// Success / error display
	summary   Summary
	signedOut string
	errMsg    string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCodeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(time.Until(m.codeExpiry), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, "Found stored session")
		return m, nil

	case MsgSessionMissing:
		m.addStatus(statusInfo, "No stored session, starting device login")
		return m, nil

	case MsgTokenValid:
		m.addStatus(statusOK, "Access token is still valid")
		return m, nil

	case MsgTokenExpired:
		m.addStatus(statusWarn, "Access token expired")
		m.state = stateRefreshing
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgDeviceCodeReady:
		m.userCode = msg.UserCode
		m.verifyURI = msg.VerifyURI
		m.verifyURIComplete = msg.VerifyURIComplete
		m.codeExpiry = msg.Expiry
		m.remaining = time.Until(msg.Expiry)
		m.state = stateDeviceFlow
		m.addStatus(statusInfo, "Device code ready")
		return m, tickAfterSecond()

	case MsgWaitingForAuth:
		m.state = statePolling
		return m, nil

	case MsgPollSlowDown:
		m.addStatus(
			statusWarn,
			fmt.Sprintf("Server requested slower polling (%s)", msg.NewInterval),
		)
		return m, nil

	case MsgAuthSuccess:
		m.addStatus(statusOK, "Authorization successful!")
		return m, nil

	case MsgSessionSaved:
		m.addStatus(statusOK, "Session saved to "+msg.Path)
		return m, nil

	case MsgSessionSaveFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save session: %v", msg.Err))
		return m, nil

	case MsgLoadingAccess:
		m.state = stateLoading
		return m, nil

	case MsgAccessLoaded:
		m.addStatus(statusOK, fmt.Sprintf(
			"Loaded %d feature and %d service grants", msg.Features, msg.Services))
		return m, nil

	case MsgAccessFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Could not load access rights: %v", msg.Err))
		return m, nil

	case MsgReauthRequired:
		m.addStatus(statusWarn, fmt.Sprintf("Session ended (%v), signing in again", msg.Reason))
		return m, nil

	case MsgLoggedOut:
		m.signedOut = msg.Path
		m.state = stateSignedOut
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateSignedOut:
		return tea.NewView(m.viewSignedOut())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while a command is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Vendor Dashboard  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateDeviceFlow, statePolling:
		b.WriteString(styleBold.Render("Open this link to authorize:"))
		b.WriteString("\n")
		b.WriteString(m.verifyURIComplete)
		b.WriteString("\n\n")

		b.WriteString(styleDim.Render("Or visit: " + m.verifyURI))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("Enter code:"))
		b.WriteString("\n\n")

		b.WriteString(styleCodeBox.Render("  " + m.userCode + "  "))
		b.WriteString("\n\n")

		if m.remaining > 0 {
			b.WriteString(m.spinner.View())
			b.WriteString(" Waiting for authorization...  ")
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		} else if m.state == statePolling {
			b.WriteString(m.spinner.View())
			b.WriteString(" Waiting for authorization...")
		}
		b.WriteString("\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	case stateLoading:
		b.WriteString(m.spinner.View())
		b.WriteString(" Loading access rights...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess shows the session summary and permission tables.
func (m Model) viewSuccess() string {
	var b strings.Builder
	sum := m.summary

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Signed in"))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Role:         "))
	b.WriteString(orNone(sum.Role) + "\n")

	b.WriteString(styleBold.Render("Vendor:       "))
	b.WriteString(orNone(sum.VendorID) + "\n")

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(sum.Preview + "\n")

	if sum.ExpiresIn > 0 {
		b.WriteString(styleBold.Render("Expires In:   "))
		b.WriteString(formatDuration(sum.ExpiresIn) + "\n")
	}

	if t := FeatureTable(sum.Features, true); t != "" {
		b.WriteString("\n" + t + "\n")
	}
	if t := ServiceTable(sum.Services, true); t != "" {
		b.WriteString("\n" + t + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSignedOut() string {
	return "\n" + styleOK.Render("  ✓ Signed out") + "\n" +
		styleDim.Render("  Session removed from "+m.signedOut) + "\n" +
		m.viewStatusLog()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
