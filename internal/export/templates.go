package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"charter/api/internal/evaluation"
	"charter/api/internal/workflow"
)

//go:embed templates/summary.html
var templateFS embed.FS

var summaryTemplate = template.Must(template.New("summary.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"join":  strings.Join,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/summary.html"))

// SummaryData is what the evaluation summary template renders.
type SummaryData struct {
	Title       string
	SpaceName   string
	Authors     []string
	StatusLabel string
	PublishedAt time.Time
	Steps       []SummaryStep
	GeneratedAt time.Time
}

type SummaryStep struct {
	Position    int
	Title       string
	Type        string
	Result      string
	Current     bool
	Appealed    bool
	CompletedAt time.Time
	DecidedBy   string
	Notes       []string
}

// Visibility says which parts of a summary the reader may see.
type Visibility struct {
	// Private covers who decided each step.
	Private bool
	// Notes covers review tallies, vote counts and rubric scores.
	Notes bool
}

// Summarize builds the template data for a proposal, leaving out what vis
// does not allow.
func Summarize(p evaluation.Proposal, spaceName string, names Names, vis Visibility, now time.Time) SummaryData {
	current := evaluation.CurrentStep(p)
	data := SummaryData{
		Title:       p.Title,
		SpaceName:   spaceName,
		StatusLabel: strings.ReplaceAll(current.Status(), "_", " "),
		GeneratedAt: now,
	}
	if p.PublishedAt != nil {
		data.PublishedAt = *p.PublishedAt
	}
	for _, id := range p.Authors {
		data.Authors = append(data.Authors, names.user(id))
	}
	for i, ev := range p.Evaluations {
		step := SummaryStep{
			Position: i + 1,
			Title:    ev.Title,
			Type:     strings.ReplaceAll(string(ev.Type), "_", " "),
			Result:   resultLabel(ev.Result),
			Current:  current.Evaluation != nil && current.Evaluation.ID == ev.ID,
			Appealed: ev.InAppeal(),
		}
		if ev.CompletedAt != nil {
			step.CompletedAt = *ev.CompletedAt
		}
		if vis.Private && ev.DecidedBy != "" {
			step.DecidedBy = names.user(ev.DecidedBy)
		}
		if vis.Notes {
			step.Notes = stepNotes(ev)
		}
		data.Steps = append(data.Steps, step)
	}
	return data
}

func resultLabel(r evaluation.Result) string {
	switch r {
	case evaluation.ResultPass:
		return "Pass"
	case evaluation.ResultFail:
		return "Fail"
	default:
		return "Pending"
	}
}

func stepNotes(ev evaluation.Evaluation) []string {
	var notes []string
	switch ev.Type {
	case workflow.TypePassFail:
		var pass, fail int
		for _, r := range ev.ActiveReviews() {
			if r.Result == evaluation.ResultPass {
				pass++
			} else if r.Result == evaluation.ResultFail {
				fail++
			}
		}
		notes = append(notes, fmt.Sprintf("%d pass, %d fail of %d required", pass, fail, ev.Threshold()))
		if ev.AppealReason != "" {
			notes = append(notes, "Appeal: "+ev.AppealReason)
		}
	case workflow.TypeVote:
		if ev.VoteSettings != nil {
			tally := evaluation.TallyVotes(*ev.VoteSettings, ev.ActiveVotes())
			for _, opt := range ev.VoteSettings.Options {
				notes = append(notes, fmt.Sprintf("%s: %d", opt, tally.Counts[opt]))
			}
		}
	case workflow.TypeRubric:
		for _, c := range ev.RubricCriteria {
			var sum, n int
			for _, a := range ev.RubricAnswers {
				if a.CriteriaID == c.ID {
					sum += a.Score
					n++
				}
			}
			if n > 0 {
				notes = append(notes, fmt.Sprintf("%s: avg %.1f (%d answers)", c.Title, float64(sum)/float64(n), n))
			}
		}
	case workflow.TypeSignDocuments:
		signed := 0
		for _, d := range ev.Documents {
			if d.SignedAt != nil {
				signed++
			}
		}
		notes = append(notes, fmt.Sprintf("%d of %d documents signed", signed, len(ev.Documents)))
	}
	return notes
}

func RenderSummaryHTML(data SummaryData) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}
