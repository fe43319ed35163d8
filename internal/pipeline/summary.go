package pipeline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"

	ho "github.com/thalesfsp/hotrain"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 1).Align(lipgloss.Center)
	rowStyle       = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	bestRowStyle   = rowStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"})
	failedRowStyle = rowStyle.Faint(true)
)

// SummaryTable renders the trials of a study, one row per trial, with the
// best trial highlighted.
func SummaryTable(trials []ho.FrozenTrial, best *ho.FrozenTrial) string {
	headers := []string{"#", "state", "val_accuracy", ParamLearningRate, ParamL1, ParamL2, ParamNumHidden, ParamEpochs}

	rowStyles := make([]lipgloss.Style, 0, len(trials))
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}

			if row >= 0 && row < len(rowStyles) {
				return rowStyles[row]
			}

			return rowStyle
		}).
		Headers(headers...)

	for _, trial := range trials {
		style := rowStyle

		switch {
		case best != nil && trial.ID == best.ID:
			style = bestRowStyle
		case trial.State == ho.TrialFail:
			style = failedRowStyle
		}

		rowStyles = append(rowStyles, style)

		value := "-"
		if trial.Value != nil {
			value = fmt.Sprintf("%.4f", *trial.Value)
		}

		table.Row(
			fmt.Sprint(trial.Number),
			string(trial.State),
			value,
			formatParam(trial.Params, ParamLearningRate, "%.2e"),
			formatParam(trial.Params, ParamL1, "%.4f"),
			formatParam(trial.Params, ParamL2, "%.4f"),
			formatParam(trial.Params, ParamNumHidden, "%.0f"),
			formatParam(trial.Params, ParamEpochs, "%.0f"),
		)
	}

	return table.String()
}

func formatParam(params ho.Params, name, format string) string {
	v, ok := params.Float(name)
	if !ok {
		return "-"
	}

	return fmt.Sprintf(format, v)
}
