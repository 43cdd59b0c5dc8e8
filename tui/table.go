package tui

import (
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/go-authgate/dashctl/rbac"
)

// Summary describes the signed-in actor.
type Summary struct {
	Role      string
	VendorID  string
	Preview   string
	ExpiresIn time.Duration
	Features  []rbac.Feature
	Services  []rbac.ServicePermission
}

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).Padding(0, 1)
	styleCell   = lipgloss.NewStyle().Padding(0, 1)
	styleYes    = styleCell.Foreground(lipgloss.Color("42"))
	styleNo     = styleCell.Foreground(lipgloss.Color("244"))
)

const (
	markYes = "yes"
	markNo  = "-"
)

func mark(ok bool) string {
	if ok {
		return markYes
	}
	return markNo
}

func featureRows(features []rbac.Feature) [][]string {
	rows := make([][]string, 0, len(features))
	for _, f := range features {
		rows = append(rows, []string{f.Key, mark(f.CanView), mark(f.CanEdit), mark(f.CanDelete)})
	}
	return rows
}

func serviceRows(services []rbac.ServicePermission) [][]string {
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		rows = append(rows, []string{
			s.ServiceType,
			mark(s.CanView),
			mark(s.CanEdit),
			mark(s.CanDelete),
			mark(s.CanApprove != nil && *s.CanApprove),
		})
	}
	return rows
}

// FeatureTable renders the feature grants. Styled output colours the cells.
func FeatureTable(features []rbac.Feature, styled bool) string {
	if len(features) == 0 {
		return ""
	}
	return render([]string{"FEATURE", "VIEW", "EDIT", "DELETE"}, featureRows(features), styled)
}

// ServiceTable renders the per-service grants.
func ServiceTable(services []rbac.ServicePermission, styled bool) string {
	if len(services) == 0 {
		return ""
	}
	return render(
		[]string{"SERVICE", "VIEW", "EDIT", "DELETE", "APPROVE"},
		serviceRows(services),
		styled,
	)
}

func render(headers []string, rows [][]string, styled bool) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)

	if !styled {
		return t.StyleFunc(func(_, _ int) lipgloss.Style { return styleCell }).String()
	}

	return t.
		BorderStyle(styleDim).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return styleHeader
			case col == 0:
				return styleCell
			case rows[row][col] == markYes:
				return styleYes
			default:
				return styleNo
			}
		}).
		String()
}
