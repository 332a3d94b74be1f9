package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConflictAction is a configured or chosen way of handling an existing
// destination path.
type ConflictAction int

const (
	ActionAsk ConflictAction = iota
	ActionOverwrite
	ActionOverwriteAll
	ActionSkip
	ActionSkipAll
	ActionRenameNew
	ActionRenameOld
)

var conflictActionNames = map[ConflictAction]string{
	ActionAsk:          "ask",
	ActionOverwrite:    "overwrite",
	ActionOverwriteAll: "overwrite_all",
	ActionSkip:         "skip",
	ActionSkipAll:      "skip_all",
	ActionRenameNew:    "rename_new",
	ActionRenameOld:    "rename_old",
}

func (a ConflictAction) String() string {
	if n, ok := conflictActionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("ConflictAction(%d)", int(a))
}

// ParseConflictAction parses the names produced by String. Dashes are accepted
// in place of underscores.
func ParseConflictAction(s string) (ConflictAction, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for a, n := range conflictActionNames {
		if n == s {
			return a, nil
		}
	}
	return ActionAsk, fmt.Errorf("unknown conflict action %q", s)
}

func (a ConflictAction) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *ConflictAction) UnmarshalText(b []byte) error {
	parsed, err := ParseConflictAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Resolution is the outcome of resolving one conflict.
type Resolution int

const (
	ResolveOverwrite Resolution = iota
	ResolveSkip
	ResolveRenameNew
	ResolveRenameOld
	ResolveAsk
	ResolveCancelled
)

func (r Resolution) String() string {
	switch r {
	case ResolveOverwrite:
		return "overwrite"
	case ResolveSkip:
		return "skip"
	case ResolveRenameNew:
		return "rename-new"
	case ResolveRenameOld:
		return "rename-old"
	case ResolveAsk:
		return "ask"
	}
	return "cancelled"
}

// DisplayText is the wording used in conflict-resolved events.
func (r Resolution) DisplayText() string {
	switch r {
	case ResolveOverwrite:
		return "Overwritten"
	case ResolveSkip:
		return "Skipped"
	case ResolveRenameNew:
		return "Renamed new"
	case ResolveRenameOld:
		return "Renamed existing"
	case ResolveAsk:
		return "Unresolved"
	}
	return "Cancelled"
}

// resolution maps a configured action onto a concrete outcome. Actions that
// need a decision map to ResolveAsk.
func (a ConflictAction) resolution() Resolution {
	switch a {
	case ActionOverwrite:
		return ResolveOverwrite
	case ActionSkip:
		return ResolveSkip
	case ActionRenameNew:
		return ResolveRenameNew
	case ActionRenameOld:
		return ResolveRenameOld
	}
	return ResolveAsk
}

// DefaultRenamePattern is the template for renamed copies.
const DefaultRenamePattern = "{name} ({counter})"

// GlobalPolicy is the persisted conflict configuration.
type GlobalPolicy struct {
	DefaultAction      ConflictAction `json:"default_action"`
	AskForConfirmation bool           `json:"ask_for_confirmation"`
	RenamePattern      string         `json:"rename_pattern"`
}

// DefaultGlobalPolicy asks for every conflict.
func DefaultGlobalPolicy() GlobalPolicy {
	return GlobalPolicy{
		DefaultAction:      ActionAsk,
		AskForConfirmation: true,
		RenamePattern:      DefaultRenamePattern,
	}
}

// RuntimeConflictSettings is the per-job conflict state.
type RuntimeConflictSettings struct {
	CurrentAction ConflictAction
	// OverwriteAll and SkipAll latch for the rest of the job once set.
	OverwriteAll bool
	SkipAll      bool
	AskForEach   bool
}

// NewRuntimeConflictSettings returns settings that ask for each conflict.
func NewRuntimeConflictSettings() RuntimeConflictSettings {
	return RuntimeConflictSettings{CurrentAction: ActionAsk, AskForEach: true}
}

// ShouldAsk reports whether a conflict would need a decision.
func (s RuntimeConflictSettings) ShouldAsk() bool {
	return s.AskForEach && !s.OverwriteAll && !s.SkipAll && s.CurrentAction == ActionAsk
}

// ConflictReply answers a ConflictRequest.
type ConflictReply struct {
	Resolution Resolution
	// Remember applies the resolution to the rest of the job.
	Remember bool
	// RememberGlobally also stores it as the global default.
	RememberGlobally bool
}

// ConflictRequest asks the decision authority how to handle one conflict.
// Exactly one of Respond or Dismiss should be called.
type ConflictRequest struct {
	ID          uuid.UUID
	JobID       uint64
	JobName     string
	Source      string
	Destination string
	Reply       chan<- ConflictReply
}

// Respond answers the request. Reply is buffered, so Respond never blocks.
func (r ConflictRequest) Respond(reply ConflictReply) {
	r.Reply <- reply
	close(r.Reply)
}

// Dismiss closes the request without an answer.
func (r ConflictRequest) Dismiss() {
	close(r.Reply)
}

// DefaultConflictTimeout bounds the wait for a decision.
const DefaultConflictTimeout = 30 * time.Second

// ConflictSettings returns a copy of the job's conflict state.
func (j *TransferJob) ConflictSettings() RuntimeConflictSettings {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.conflicts
}

// UpdateConflictSettings sets the job's current action. With remember set,
// OverwriteAll and SkipAll latch their sticky flag; once one flag is latched
// the other is never set.
func (j *TransferJob) UpdateConflictSettings(action ConflictAction, remember bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := &j.conflicts
	switch action {
	case ActionOverwriteAll:
		s.CurrentAction = ActionOverwrite
		if remember && !s.SkipAll {
			s.OverwriteAll = true
			s.AskForEach = false
		}
	case ActionSkipAll:
		s.CurrentAction = ActionSkip
		if remember && !s.OverwriteAll {
			s.SkipAll = true
			s.AskForEach = false
		}
	default:
		s.CurrentAction = action
	}
}

// ResolveConflict decides how to handle an existing destination. The first
// applicable rule wins: sticky job flags, then the global policy when it does
// not ask, then the job's current action, then the decision channel. Without a
// channel the conflict is Cancelled. A request left unanswered for timeout
// resolves to Skip; a dismissed request or a job cancelled while waiting
// resolves to Cancelled.
func (j *TransferJob) ResolveConflict(ctx context.Context, source, destination string, policy GlobalPolicy, timeout time.Duration) Resolution {
	settings := j.ConflictSettings()

	switch {
	case settings.OverwriteAll:
		return ResolveOverwrite
	case settings.SkipAll:
		return ResolveSkip
	case !policy.AskForConfirmation:
		return policy.DefaultAction.resolution()
	case settings.CurrentAction != ActionAsk:
		return settings.CurrentAction.resolution()
	case j.decisions == nil:
		return ResolveCancelled
	}

	if timeout <= 0 {
		timeout = DefaultConflictTimeout
	}
	reply := make(chan ConflictReply, 1)
	req := ConflictRequest{
		ID:          uuid.New(),
		JobID:       j.ID,
		JobName:     j.Name,
		Source:      source,
		Destination: destination,
		Reply:       reply,
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case j.decisions <- req:
	case <-timer.C:
		j.logger.Warn("conflict request not accepted in time, skipping", "destination", destination)
		return ResolveSkip
	case <-ctx.Done():
		return ResolveCancelled
	case <-j.cancelCh:
		return ResolveCancelled
	}

	select {
	case r, ok := <-reply:
		if !ok || r.Resolution == ResolveAsk {
			j.logger.Warn("conflict request dismissed", "request", req.ID, "destination", destination)
			return ResolveCancelled
		}
		j.applyReply(r)
		return r.Resolution
	case <-timer.C:
		j.logger.Warn("conflict decision timed out, skipping", "request", req.ID, "destination", destination)
		return ResolveSkip
	case <-ctx.Done():
		return ResolveCancelled
	case <-j.cancelCh:
		return ResolveCancelled
	}
}

func (j *TransferJob) applyReply(r ConflictReply) {
	if !r.Remember && !r.RememberGlobally {
		return
	}
	var action ConflictAction
	switch r.Resolution {
	case ResolveOverwrite:
		action = ActionOverwriteAll
	case ResolveSkip:
		action = ActionSkipAll
	case ResolveRenameNew:
		action = ActionRenameNew
	case ResolveRenameOld:
		action = ActionRenameOld
	default:
		return
	}
	if r.Remember {
		j.UpdateConflictSettings(action, true)
	}
	if r.RememberGlobally && j.onRememberGlobally != nil {
		j.onRememberGlobally(action)
	}
}
