package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"charter/api/internal/evaluation"
	"charter/api/internal/permissions"
	"charter/api/internal/workflow"
)

var boardHeader = []string{"Title", "Status", "Step", "Step Type", "Authors", "Reviewers", "Published At"}

// Names resolves user and role ids to display names.
type Names struct {
	Users map[string]string
	Roles map[string]string
}

func (n Names) user(id string) string {
	if name := n.Users[id]; name != "" {
		return name
	}
	return id
}

func (n Names) assignee(a evaluation.Assignee) string {
	switch {
	case a.UserID != "":
		return n.user(a.UserID)
	case a.RoleID != "":
		if name := n.Roles[a.RoleID]; name != "" {
			return name
		}
		return a.RoleID
	case a.SystemRole == workflow.SystemRoleSpaceMember:
		return "All members"
	case a.SystemRole == workflow.SystemRoleAuthor:
		return "Authors"
	default:
		return string(a.SystemRole)
	}
}

// BoardRow is one proposal line of the board export.
type BoardRow struct {
	Title       string
	Status      string
	Step        string
	StepType    string
	Authors     []string
	Reviewers   []string
	PublishedAt *time.Time
}

func (r BoardRow) record() []string {
	published := ""
	if r.PublishedAt != nil {
		published = r.PublishedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.Title, r.Status, r.Step, r.StepType,
		strings.Join(r.Authors, ", "), strings.Join(r.Reviewers, ", "), published,
	}
}

// BoardRows builds one row per proposal the user can view, in candidate
// order. Reviewer names are left out where the user lacks
// view_private_fields.
func BoardRows(ctx context.Context, candidates []permissions.Candidate, u permissions.User, names Names) ([]BoardRow, error) {
	rows := make([]*BoardRow, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			flags := permissions.Compute(permissions.Input{
				Proposal:           c.Proposal,
				PrivateEvaluations: c.PrivateEvaluations,
				User:               u,
			})
			if !flags.Has(workflow.OpView) {
				return nil
			}
			rows[i] = boardRow(c.Proposal, flags, names)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]BoardRow, 0, len(rows))
	for _, r := range rows {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func boardRow(p evaluation.Proposal, flags permissions.Flags, names Names) *BoardRow {
	step := evaluation.CurrentStep(p)
	row := &BoardRow{
		Title:       p.Title,
		Status:      step.Status(),
		Step:        step.Title(),
		StepType:    step.Type(),
		Authors:     make([]string, 0, len(p.Authors)),
		PublishedAt: p.PublishedAt,
	}
	for _, id := range p.Authors {
		row.Authors = append(row.Authors, names.user(id))
	}
	if step.Evaluation != nil && flags.Has(workflow.OpViewPrivateFields) {
		for _, a := range step.Evaluation.ActiveReviewers() {
			row.Reviewers = append(row.Reviewers, names.assignee(a))
		}
	}
	return row
}

// BoardCSV renders the rows with a header line.
func BoardCSV(rows []BoardRow, spaceName string) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(boardHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		if err := w.Write(r.record()); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(spaceName+" proposals") + ".csv",
		MimeType: "text/csv",
	}, nil
}
