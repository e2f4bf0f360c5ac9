package evaluation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"charter/api/internal/workflow"
)

var (
	ErrNotPublished       = errors.New("proposal is not published")
	ErrNotDraft           = errors.New("proposal is not a draft")
	ErrArchived           = errors.New("proposal is archived")
	ErrEvaluationNotFound = errors.New("evaluation not found on proposal")
	ErrNotCurrentStep     = errors.New("evaluation is not the current step")
	ErrWrongType          = errors.New("action does not apply to this evaluation type")
	ErrAlreadyDecided     = errors.New("evaluation already has a result")
	ErrAlreadyReviewed    = errors.New("reviewer already submitted a review this round")
	ErrNoReview           = errors.New("reviewer has no review to reset")
	ErrInvalidResult      = errors.New("result must be pass or fail")
	ErrInvalidDecline     = errors.New("unknown decline reason")
	ErrInvalidAnswer      = errors.New("invalid rubric answer")
	ErrDocumentsUnsigned  = errors.New("all documents must be signed")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrAlreadySigned      = errors.New("document already signed")
	ErrNotAuthor          = errors.New("only authors can appeal")
	ErrNotAppealable      = errors.New("evaluation cannot be appealed")
	ErrAlreadyAppealed    = errors.New("evaluation was already appealed")
	ErrInvalidTarget      = errors.New("cannot go back to a later step")
	ErrMissingReviewers   = errors.New("evaluation has no reviewers")
)

// Change is a new state for one evaluation.
type Change struct {
	EvaluationID string
	State        State
}

// active returns the evaluation when it is the undecided-or-decided current
// step of a live published proposal.
func active(p Proposal, evaluationID string) (*Evaluation, error) {
	if p.Status != StatusPublished {
		return nil, ErrNotPublished
	}
	if p.Archived {
		return nil, ErrArchived
	}
	if _, ok := p.Evaluation(evaluationID); !ok {
		return nil, ErrEvaluationNotFound
	}
	step := CurrentStep(p)
	if step.Evaluation == nil || step.Evaluation.ID != evaluationID {
		return nil, ErrNotCurrentStep
	}
	return step.Evaluation, nil
}

func open(p Proposal, evaluationID string, types ...workflow.EvaluationType) (*Evaluation, error) {
	ev, err := active(p, evaluationID)
	if err != nil {
		return nil, err
	}
	if len(types) > 0 {
		matched := false
		for _, t := range types {
			if ev.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: %s", ErrWrongType, ev.Type)
		}
	}
	if ev.Result != ResultNone {
		return nil, ErrAlreadyDecided
	}
	return ev, nil
}

func decided(ev *Evaluation, result Result, userID string, now time.Time) State {
	state := ev.State
	state.Result = result
	at := now.UTC()
	state.CompletedAt = &at
	state.DecidedBy = userID
	return state
}

// MoveForward passes a feedback step.
func MoveForward(p Proposal, evaluationID, userID string, now time.Time) (State, error) {
	ev, err := open(p, evaluationID, workflow.TypeFeedback)
	if err != nil {
		return State{}, err
	}
	return decided(ev, ResultPass, userID, now), nil
}

// SubmitReview records a pass/fail review. The returned state is non-nil when
// the review decided the step: the first result whose count in the current
// round reaches the threshold wins.
func SubmitReview(p Proposal, evaluationID string, review Review, now time.Time) (Review, *State, error) {
	ev, err := open(p, evaluationID, workflow.TypePassFail)
	if err != nil {
		return Review{}, nil, err
	}
	if review.Result != ResultPass && review.Result != ResultFail {
		return Review{}, nil, ErrInvalidResult
	}
	for _, existing := range ev.ActiveReviews() {
		if existing.ReviewerID == review.ReviewerID {
			return Review{}, nil, ErrAlreadyReviewed
		}
	}
	if review.Result == ResultPass {
		review.DeclineReasons = nil
		review.DeclineMessage = ""
	} else if len(ev.DeclineReasons) > 0 {
		for _, reason := range review.DeclineReasons {
			if !containsFold(ev.DeclineReasons, reason) {
				return Review{}, nil, fmt.Errorf("%w: %s", ErrInvalidDecline, reason)
			}
		}
	}
	if review.DeclineReasons == nil {
		review.DeclineReasons = []string{}
	}
	review.EvaluationID = ev.ID
	review.Round = ev.Round
	review.Appeal = ev.InAppeal()
	review.CreatedAt = now.UTC()

	agreeing := 1
	for _, existing := range ev.ActiveReviews() {
		if existing.Result == review.Result {
			agreeing++
		}
	}
	if agreeing >= ev.Threshold() {
		state := decided(ev, review.Result, review.ReviewerID, now)
		return review, &state, nil
	}
	return review, nil, nil
}

// ResetReview finds the caller's review in the current round so it can be
// withdrawn. Only possible while the step is undecided.
func ResetReview(p Proposal, evaluationID, userID string) (Review, error) {
	ev, err := open(p, evaluationID, workflow.TypePassFail)
	if err != nil {
		return Review{}, err
	}
	for _, r := range ev.ActiveReviews() {
		if r.ReviewerID == userID {
			return r, nil
		}
	}
	return Review{}, ErrNoReview
}

// SubmitRubricAnswers validates a reviewer's scores. They replace any
// previous answers by the same reviewer.
func SubmitRubricAnswers(p Proposal, evaluationID, userID string, answers []RubricAnswer) ([]RubricAnswer, error) {
	ev, err := open(p, evaluationID, workflow.TypeRubric)
	if err != nil {
		return nil, err
	}
	criteria := make(map[string]RubricCriteria, len(ev.RubricCriteria))
	for _, c := range ev.RubricCriteria {
		criteria[c.ID] = c
	}
	seen := make(map[string]struct{}, len(answers))
	out := make([]RubricAnswer, 0, len(answers))
	for _, a := range answers {
		c, ok := criteria[a.CriteriaID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown criteria %s", ErrInvalidAnswer, a.CriteriaID)
		}
		if _, dup := seen[a.CriteriaID]; dup {
			return nil, fmt.Errorf("%w: duplicate answer for %s", ErrInvalidAnswer, a.CriteriaID)
		}
		seen[a.CriteriaID] = struct{}{}
		if a.Score < c.Min || a.Score > c.Max {
			return nil, fmt.Errorf("%w: score %d outside %d..%d for %q", ErrInvalidAnswer, a.Score, c.Min, c.Max, c.Title)
		}
		a.UserID = userID
		a.Comment = strings.TrimSpace(a.Comment)
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no answers", ErrInvalidAnswer)
	}
	return out, nil
}

// Complete records an explicit decision by an approver or reviewer holding
// complete_evaluation. Sign-document steps only pass once every document is
// signed.
func Complete(p Proposal, evaluationID, userID string, result Result, now time.Time) (State, error) {
	ev, err := open(p, evaluationID, workflow.TypeRubric, workflow.TypePassFail, workflow.TypeSignDocuments)
	if err != nil {
		return State{}, err
	}
	if result != ResultPass && result != ResultFail {
		return State{}, ErrInvalidResult
	}
	if ev.Type == workflow.TypeSignDocuments && result == ResultPass {
		for _, doc := range ev.Documents {
			if doc.SignedAt == nil {
				return State{}, ErrDocumentsUnsigned
			}
		}
	}
	return decided(ev, result, userID, now), nil
}

// SignDocument marks one document of the current sign step as signed.
func SignDocument(p Proposal, evaluationID, documentID, userID string, now time.Time) (Document, error) {
	ev, err := open(p, evaluationID, workflow.TypeSignDocuments)
	if err != nil {
		return Document{}, err
	}
	for _, doc := range ev.Documents {
		if doc.ID != documentID {
			continue
		}
		if doc.SignedAt != nil {
			return Document{}, ErrAlreadySigned
		}
		at := now.UTC()
		doc.SignedAt = &at
		doc.SignedBy = userID
		return doc, nil
	}
	return Document{}, ErrDocumentNotFound
}

// Appeal reopens a failed appealable step for a second round reviewed by the
// appeal reviewers.
func Appeal(p Proposal, evaluationID, userID, reason string, now time.Time) (State, error) {
	ev, err := active(p, evaluationID)
	if err != nil {
		return State{}, err
	}
	if !p.IsAuthor(userID) {
		return State{}, ErrNotAuthor
	}
	if !ev.Appealable {
		return State{}, ErrNotAppealable
	}
	if ev.InAppeal() {
		return State{}, ErrAlreadyAppealed
	}
	if ev.Result != ResultFail {
		return State{}, ErrNotAppealable
	}
	at := now.UTC()
	return State{
		Round:        ev.Round + 1,
		ReopenedAt:   &at,
		AppealedAt:   &at,
		AppealedBy:   userID,
		AppealReason: strings.TrimSpace(reason),
	}, nil
}

// GoBack reopens the target step and clears every decided step after it.
// Cleared steps start a new round so earlier reviews and ballots stay as
// history, and a reopened vote runs its full duration again from now.
func GoBack(p Proposal, targetID string, now time.Time) ([]Change, error) {
	if p.Status != StatusPublished {
		return nil, ErrNotPublished
	}
	if p.Archived {
		return nil, ErrArchived
	}
	target, ok := p.Evaluation(targetID)
	if !ok {
		return nil, ErrEvaluationNotFound
	}
	current := CurrentStep(p).Evaluation
	if current == nil || target.Index > current.Index {
		return nil, ErrInvalidTarget
	}
	at := now.UTC()
	var changes []Change
	for _, ev := range p.Evaluations {
		if ev.Index < target.Index {
			continue
		}
		if ev.Result == ResultNone && ev.AppealedAt == nil {
			continue
		}
		changes = append(changes, Change{EvaluationID: ev.ID, State: State{Round: ev.Round + 1, ReopenedAt: &at}})
	}
	return changes, nil
}

// ValidatePublish checks a draft is ready to enter its first step.
func ValidatePublish(p Proposal) error {
	if p.Status != StatusDraft {
		return ErrNotDraft
	}
	if p.Archived {
		return ErrArchived
	}
	for _, ev := range p.Evaluations {
		if ev.Type != workflow.TypeFeedback && len(ev.Reviewers) == 0 {
			return fmt.Errorf("%w: %q", ErrMissingReviewers, ev.Title)
		}
		if ev.Type == workflow.TypeVote {
			if ev.VoteSettings == nil {
				return fmt.Errorf("%w: %q has no vote settings", ErrInvalidSettings, ev.Title)
			}
			if err := ev.VoteSettings.Validate(); err != nil {
				return fmt.Errorf("%q: %w", ev.Title, err)
			}
		}
	}
	return nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}
