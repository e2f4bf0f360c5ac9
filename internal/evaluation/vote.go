package evaluation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"charter/api/internal/workflow"
)

var (
	ErrVoteClosed     = errors.New("vote is closed")
	ErrVoteStillOpen  = errors.New("vote is still open")
	ErrInvalidChoice  = errors.New("invalid vote choice")
	ErrVoteNotStarted = errors.New("vote has not started")
)

const abstainOption = "abstain"

func (s VoteSettings) Validate() error {
	if s.Threshold <= 0 || s.Threshold > 100 {
		return fmt.Errorf("%w: threshold must be in (0, 100]", ErrInvalidSettings)
	}
	if len(s.Options) < 2 {
		return fmt.Errorf("%w: a vote needs at least two options", ErrInvalidSettings)
	}
	seen := make(map[string]struct{}, len(s.Options))
	for _, opt := range s.Options {
		key := strings.ToLower(strings.TrimSpace(opt))
		if key == "" {
			return fmt.Errorf("%w: empty vote option", ErrInvalidSettings)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate vote option %q", ErrInvalidSettings, opt)
		}
		seen[key] = struct{}{}
	}
	if s.MaxChoices < 1 || s.MaxChoices > len(s.Options) {
		return fmt.Errorf("%w: max choices must be between 1 and %d", ErrInvalidSettings, len(s.Options))
	}
	if s.DurationDays < 1 {
		return fmt.Errorf("%w: duration must be at least one day", ErrInvalidSettings)
	}
	return nil
}

// VoteOpenedAt is when the step became current: the proposal's publish time
// for the first step, otherwise when the previous step was completed. A step
// reopened later than that opens at its reopen time.
func VoteOpenedAt(p Proposal, ev Evaluation) (time.Time, bool) {
	opened, ok := becameCurrent(p, ev)
	if !ok {
		return time.Time{}, false
	}
	if ev.ReopenedAt != nil && ev.ReopenedAt.After(opened) {
		return *ev.ReopenedAt, true
	}
	return opened, true
}

func becameCurrent(p Proposal, ev Evaluation) (time.Time, bool) {
	var prev *Evaluation
	for i := range p.Evaluations {
		if p.Evaluations[i].Index < ev.Index {
			prev = &p.Evaluations[i]
		}
	}
	if prev == nil {
		if p.PublishedAt == nil {
			return time.Time{}, false
		}
		return *p.PublishedAt, true
	}
	if prev.CompletedAt == nil {
		return time.Time{}, false
	}
	return *prev.CompletedAt, true
}

// VoteDeadline is when the vote on ev closes.
func VoteDeadline(p Proposal, ev Evaluation) (time.Time, bool) {
	opened, ok := VoteOpenedAt(p, ev)
	if !ok || ev.VoteSettings == nil {
		return time.Time{}, false
	}
	return opened.Add(time.Duration(ev.VoteSettings.DurationDays) * 24 * time.Hour), true
}

// CastVote validates a ballot. A second ballot by the same user replaces the
// first.
func CastVote(p Proposal, evaluationID, userID string, choices []string, now time.Time) (Vote, error) {
	ev, err := open(p, evaluationID, workflow.TypeVote)
	if err != nil {
		return Vote{}, err
	}
	deadline, ok := VoteDeadline(p, *ev)
	if !ok {
		return Vote{}, ErrVoteNotStarted
	}
	if !now.Before(deadline) {
		return Vote{}, ErrVoteClosed
	}
	settings := *ev.VoteSettings
	if len(choices) == 0 || len(choices) > settings.MaxChoices {
		return Vote{}, fmt.Errorf("%w: pick between 1 and %d options", ErrInvalidChoice, settings.MaxChoices)
	}
	picked := make([]string, 0, len(choices))
	seen := make(map[string]struct{}, len(choices))
	for _, choice := range choices {
		canonical, ok := matchOption(settings.Options, choice)
		if !ok {
			return Vote{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		picked = append(picked, canonical)
	}
	return Vote{UserID: userID, Choices: picked, Round: ev.Round, CreatedAt: now.UTC()}, nil
}

type Tally struct {
	Counts map[string]int `json:"counts"`
	// Counted is the number of ballots that did not abstain.
	Counted int     `json:"counted"`
	Share   float64 `json:"share"`
	Passed  bool    `json:"passed"`
}

// TallyVotes counts ballots. The step passes when the share of non-abstain
// ballots choosing the first option reaches the threshold.
func TallyVotes(settings VoteSettings, votes []Vote) Tally {
	t := Tally{Counts: make(map[string]int, len(settings.Options))}
	for _, opt := range settings.Options {
		t.Counts[opt] = 0
	}
	if len(settings.Options) == 0 {
		return t
	}
	first := settings.Options[0]
	inFavour := 0
	for _, v := range votes {
		abstained := true
		for _, choice := range v.Choices {
			t.Counts[choice]++
			if !strings.EqualFold(strings.TrimSpace(choice), abstainOption) {
				abstained = false
			}
			if choice == first {
				inFavour++
			}
		}
		if !abstained {
			t.Counted++
		}
	}
	if t.Counted == 0 {
		return t
	}
	t.Share = float64(inFavour) * 100 / float64(t.Counted)
	t.Passed = t.Share >= settings.Threshold
	return t
}

// CloseVote decides a vote step. Without force the deadline must have passed.
func CloseVote(p Proposal, evaluationID, userID string, force bool, now time.Time) (State, Tally, error) {
	ev, err := open(p, evaluationID, workflow.TypeVote)
	if err != nil {
		return State{}, Tally{}, err
	}
	if ev.VoteSettings == nil {
		return State{}, Tally{}, ErrVoteNotStarted
	}
	if !force {
		deadline, ok := VoteDeadline(p, *ev)
		if !ok {
			return State{}, Tally{}, ErrVoteNotStarted
		}
		if now.Before(deadline) {
			return State{}, Tally{}, ErrVoteStillOpen
		}
	}
	tally := TallyVotes(*ev.VoteSettings, ev.ActiveVotes())
	result := ResultFail
	if tally.Passed {
		result = ResultPass
	}
	return decided(ev, result, userID, now), tally, nil
}

func matchOption(options []string, choice string) (string, bool) {
	for _, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), strings.TrimSpace(choice)) {
			return opt, true
		}
	}
	return "", false
}
