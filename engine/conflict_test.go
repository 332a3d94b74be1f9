package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func askPolicy() GlobalPolicy { return DefaultGlobalPolicy() }

func TestParseConflictAction(t *testing.T) {
	for a, name := range conflictActionNames {
		parsed, err := ParseConflictAction(name)
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	a, err := ParseConflictAction("Overwrite-All")
	require.NoError(t, err)
	assert.Equal(t, ActionOverwriteAll, a)

	_, err = ParseConflictAction("merge")
	assert.Error(t, err)
}

func TestResolveConflict_StickyFlags(t *testing.T) {
	ctx := context.Background()
	decisions := make(chan ConflictRequest, 1)

	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})
	job.UpdateConflictSettings(ActionOverwriteAll, true)

	// The sticky flag wins over a global policy that would skip.
	policy := GlobalPolicy{DefaultAction: ActionSkip, AskForConfirmation: false}
	for i := 0; i < 3; i++ {
		assert.Equal(t, ResolveOverwrite, job.ResolveConflict(ctx, "s", "d", policy, time.Second))
		assert.Equal(t, ResolveOverwrite, job.ResolveConflict(ctx, "s", "d", askPolicy(), time.Second))
	}
	assert.Empty(t, decisions)

	// Once OverwriteAll is latched, SkipAll can no longer latch.
	job.UpdateConflictSettings(ActionSkipAll, true)
	s := job.ConflictSettings()
	assert.True(t, s.OverwriteAll)
	assert.False(t, s.SkipAll)
	assert.Equal(t, ResolveOverwrite, job.ResolveConflict(ctx, "s", "d", policy, time.Second))

	skipper := NewTransferJob(2, "/dst", nil, JobConfig{Decisions: decisions})
	skipper.UpdateConflictSettings(ActionSkipAll, true)
	overwrite := GlobalPolicy{DefaultAction: ActionOverwrite, AskForConfirmation: false}
	assert.Equal(t, ResolveSkip, skipper.ResolveConflict(ctx, "s", "d", overwrite, time.Second))
	assert.False(t, skipper.ConflictSettings().ShouldAsk())
	assert.Empty(t, decisions)
}

func TestUpdateConflictSettings_WithoutRemember(t *testing.T) {
	job := NewTransferJob(1, "/dst", nil, JobConfig{})
	job.UpdateConflictSettings(ActionOverwriteAll, false)

	s := job.ConflictSettings()
	assert.False(t, s.OverwriteAll)
	assert.Equal(t, ActionOverwrite, s.CurrentAction)

	job.UpdateConflictSettings(ActionRenameNew, true)
	s = job.ConflictSettings()
	assert.Equal(t, ActionRenameNew, s.CurrentAction)
	assert.False(t, s.OverwriteAll || s.SkipAll)
}

func TestResolveConflict_GlobalPolicyWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	cases := map[ConflictAction]Resolution{
		ActionOverwrite:    ResolveOverwrite,
		ActionSkip:         ResolveSkip,
		ActionRenameNew:    ResolveRenameNew,
		ActionRenameOld:    ResolveRenameOld,
		ActionAsk:          ResolveAsk,
		ActionOverwriteAll: ResolveAsk,
		ActionSkipAll:      ResolveAsk,
	}
	for action, want := range cases {
		decisions := make(chan ConflictRequest, 1)
		job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})
		policy := GlobalPolicy{DefaultAction: action, AskForConfirmation: false}

		assert.Equal(t, want, job.ResolveConflict(ctx, "s", "d", policy, time.Second), action.String())
		assert.Empty(t, decisions, "no request may be sent for %s", action)
	}
}

func TestResolveConflict_CurrentActionReapplied(t *testing.T) {
	decisions := make(chan ConflictRequest, 1)
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})
	job.UpdateConflictSettings(ActionRenameOld, false)

	assert.Equal(t, ResolveRenameOld, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Second))
	assert.Empty(t, decisions)
}

func TestResolveConflict_NoChannelIsCancelled(t *testing.T) {
	job := NewTransferJob(1, "/dst", nil, JobConfig{})
	assert.Equal(t, ResolveCancelled, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Second))
}

func TestResolveConflict_RoundTrip(t *testing.T) {
	decisions := make(chan ConflictRequest)
	job := NewTransferJob(5, "/dst", nil, JobConfig{Name: "photos", Decisions: decisions})

	var remembered []ConflictAction
	job.onRememberGlobally = func(a ConflictAction) { remembered = append(remembered, a) }

	go func() {
		req := <-decisions
		assert.Equal(t, "/src/a.jpg", req.Source)
		assert.Equal(t, "/dst/a.jpg", req.Destination)
		assert.Equal(t, "photos", req.JobName)
		assert.EqualValues(t, 5, req.JobID)
		req.Respond(ConflictReply{Resolution: ResolveSkip, Remember: true, RememberGlobally: true})
	}()

	res := job.ResolveConflict(context.Background(), "/src/a.jpg", "/dst/a.jpg", askPolicy(), time.Second)
	assert.Equal(t, ResolveSkip, res)
	assert.True(t, job.ConflictSettings().SkipAll)
	assert.Equal(t, []ConflictAction{ActionSkipAll}, remembered)

	// Latched: the next conflict never reaches the channel.
	assert.Equal(t, ResolveSkip, job.ResolveConflict(context.Background(), "/src/b.jpg", "/dst/b.jpg", askPolicy(), time.Second))
}

func TestResolveConflict_RenameReplyRemembered(t *testing.T) {
	decisions := make(chan ConflictRequest)
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})

	go func() {
		req := <-decisions
		req.Respond(ConflictReply{Resolution: ResolveRenameNew, Remember: true})
	}()

	assert.Equal(t, ResolveRenameNew, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Second))
	s := job.ConflictSettings()
	assert.Equal(t, ActionRenameNew, s.CurrentAction)
	assert.False(t, s.OverwriteAll || s.SkipAll)
}

func TestResolveConflict_TimeoutSkips(t *testing.T) {
	decisions := make(chan ConflictRequest, 1)
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})

	start := time.Now()
	res := job.ResolveConflict(context.Background(), "s", "d", askPolicy(), 20*time.Millisecond)
	assert.Equal(t, ResolveSkip, res)
	assert.Less(t, time.Since(start), time.Second)

	// The unanswered request was delivered; answering late is harmless.
	req := <-decisions
	req.Respond(ConflictReply{Resolution: ResolveOverwrite})
	assert.True(t, job.ConflictSettings().ShouldAsk())
}

func TestResolveConflict_UnacceptedRequestSkips(t *testing.T) {
	decisions := make(chan ConflictRequest)
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})
	assert.Equal(t, ResolveSkip, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), 20*time.Millisecond))
}

func TestResolveConflict_DismissedIsCancelled(t *testing.T) {
	decisions := make(chan ConflictRequest)
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})

	go func() {
		req := <-decisions
		req.Dismiss()
	}()
	assert.Equal(t, ResolveCancelled, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Second))

	go func() {
		req := <-decisions
		req.Respond(ConflictReply{Resolution: ResolveAsk})
	}()
	assert.Equal(t, ResolveCancelled, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Second))
}

func TestResolveConflict_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: make(chan ConflictRequest)})
	assert.Equal(t, ResolveCancelled, job.ResolveConflict(ctx, "s", "d", askPolicy(), time.Second))
}

func TestResolveConflict_JobCancelledWhileWaiting(t *testing.T) {
	decisions := make(chan ConflictRequest, 1)
	job := NewTransferJob(1, "/dst", nil, JobConfig{Decisions: decisions})

	go func() {
		<-decisions
		job.Cancel()
	}()
	start := time.Now()
	assert.Equal(t, ResolveCancelled, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Minute))
	assert.Less(t, time.Since(start), 5*time.Second)

	// A request nobody accepts is abandoned as well.
	job = NewTransferJob(2, "/dst", nil, JobConfig{Decisions: make(chan ConflictRequest)})
	job.Cancel()
	job.Cancel()
	assert.Equal(t, ResolveCancelled, job.ResolveConflict(context.Background(), "s", "d", askPolicy(), time.Minute))
}

func TestResolution_DisplayText(t *testing.T) {
	assert.Equal(t, "Overwritten", ResolveOverwrite.DisplayText())
	assert.Equal(t, "Skipped", ResolveSkip.DisplayText())
	assert.Equal(t, "Renamed new", ResolveRenameNew.DisplayText())
	assert.Equal(t, "Renamed existing", ResolveRenameOld.DisplayText())
	assert.Equal(t, "Cancelled", ResolveCancelled.DisplayText())
}
