package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dossier/internal/model"
	"github.com/sells-group/dossier/internal/prompt"
	"github.com/sells-group/dossier/internal/schema"
)

func TestRun_CompletesEverySection(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 1})
	ctx := context.Background()
	job := h.start(t)

	got, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	for _, id := range model.Sections {
		run := got.Section(id)
		require.NotNil(t, run, id)
		assert.Equal(t, model.SectionStatusCompleted, run.Status, id)
		assert.Equal(t, 1, run.Attempts, id)
		assert.NotNil(t, run.Confidence, id)
		assert.True(t, json.Valid(run.Content), id)
		assert.Equal(t, 1, h.gen.callCount(id), id)
	}

	assert.Equal(t, []string{"S1", "S2", "S3", "S4", "S5", "S6", "S7", "S8"}, sourceIDs(got))
	assert.Equal(t, "Acme Corp FY2023 investor presentation", got.Sources[5].Citation)
	assert.Equal(t, "Acme Corp product catalogue 2024", got.Sources[6].Citation)

	assert.Equal(t, []string{"S1", "S4", "S6"}, got.Section(model.SectionFinancialSnapshot).SourcesUsed)
	assert.Equal(t, []string{"S1"}, got.Section(model.SectionAppendix).SourcesUsed)

	require.NotNil(t, got.OverallConfidence)
	assert.Equal(t, model.ConfidenceMedium, got.OverallConfidence.Level)
	assert.InDelta(t, 0.718, got.OverallConfidence.Score, 1e-9)
	assert.Equal(t, 11, got.OverallConfidence.Sections)
}

func TestRun_DispatchFollowsDependencies(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 1})
	job := h.start(t)

	_, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	position := make(map[model.SectionID]int)
	for i, id := range h.gen.dispatchOrder() {
		position[id] = i
	}
	graph := DefaultGraph()
	for _, id := range model.Sections {
		for _, d := range graph[id].all() {
			assert.Less(t, position[d], position[id], "%s must run before %s", d, id)
		}
	}
	assert.Equal(t, model.SectionFoundation, h.gen.dispatchOrder()[0])
	assert.Equal(t, model.SectionAppendix, h.gen.dispatchOrder()[len(model.Sections)-1])
}

func TestRun_PromptsSeeOnlyFinishedInputs(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 1})
	job := h.start(t)

	_, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	foundation := h.gen.promptFor(model.SectionFoundation)
	assert.Contains(t, foundation, "company=Acme Corp geography=Germany")
	assert.Contains(t, foundation, "foundation=NOT PROVIDED")
	assert.Contains(t, foundation, "next=S1")

	// Wave two sees the catalog as it was when the wave started.
	for _, id := range []model.SectionID{model.SectionFinancialSnapshot, model.SectionRecentNews} {
		p := h.gen.promptFor(id)
		assert.Contains(t, p, "foundation=available", id)
		assert.Contains(t, p, "next=S6", id)
	}

	// Undeclared inputs are never passed, even when completed.
	assert.Contains(t, h.gen.promptFor(model.SectionPeerBenchmarking), "company_overview=NOT PROVIDED")

	exec := h.gen.promptFor(model.SectionExecSummary)
	for _, d := range DefaultGraph()[model.SectionExecSummary].all() {
		assert.Contains(t, exec, string(d)+"=available")
	}
	assert.Contains(t, exec, "appendix=NOT PROVIDED")
}

func TestRun_FoundationFailureFailsJob(t *testing.T) {
	h := newHarness(t, Config{})
	h.gen.set(model.SectionFoundation, func(int) (string, error) {
		return "I could not find any information about this company.", nil
	})
	job := h.start(t)

	got, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 1, h.gen.totalCalls())
	assert.Nil(t, got.OverallConfidence)
	assert.Empty(t, got.Sources)

	foundation := got.Section(model.SectionFoundation)
	assert.Equal(t, model.SectionStatusFailed, foundation.Status)
	assert.Contains(t, foundation.LastError, "foundation: validation failed")
	assert.Contains(t, foundation.LastError, "(root)")
	assert.Nil(t, foundation.Content)
	for _, id := range model.Sections[1:] {
		assert.Equal(t, model.SectionStatusPending, got.Section(id).Status, id)
	}
}

func TestRun_CollaboratorFailureIsContained(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 2})
	h.gen.set(model.SectionFinancialSnapshot, func(int) (string, error) {
		return "", errors.New("upstream returned 503")
	})
	job := h.start(t)

	got, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompletedWithErrors, got.Status)

	financial := got.Section(model.SectionFinancialSnapshot)
	assert.Equal(t, model.SectionStatusFailed, financial.Status)
	assert.Contains(t, financial.LastError, "financial_snapshot: collaborator call failed: upstream returned 503")
	assert.Equal(t, 1, financial.Attempts)

	// exec_summary needs the financial snapshot and never runs.
	assert.Equal(t, model.SectionStatusPending, got.Section(model.SectionExecSummary).Status)
	assert.Zero(t, h.gen.callCount(model.SectionExecSummary))

	for _, id := range []model.SectionID{
		model.SectionConversationStarters,
		model.SectionAppendix,
		model.SectionCompanyOverview,
	} {
		assert.Equal(t, model.SectionStatusCompleted, got.Section(id).Status, id)
	}
	assert.Contains(t, h.gen.promptFor(model.SectionAppendix), "financial_snapshot=NOT PROVIDED")
	assert.Contains(t, h.gen.promptFor(model.SectionAppendix), "exec_summary=NOT PROVIDED")

	require.NotNil(t, got.OverallConfidence)
	assert.Equal(t, 9, got.OverallConfidence.Sections)
}

func TestRun_InvalidOutputFailsSection(t *testing.T) {
	h := newHarness(t, Config{})
	h.gen.set(model.SectionTrends, func(int) (string, error) {
		raw, err := schema.Example(model.SectionTrends)
		if err != nil {
			return "", err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return "", err
		}
		doc["trends"].([]any)[0].(map[string]any)["source"] = "S1, S2"
		out, err := json.Marshal(doc)
		return string(out), err
	})
	job := h.start(t)

	got, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	trends := got.Section(model.SectionTrends)
	assert.Equal(t, model.SectionStatusFailed, trends.Status)
	assert.Contains(t, trends.LastError, "trends: validation failed")
	assert.Contains(t, trends.LastError, "trends.0.source")
	assert.Nil(t, trends.Confidence)
	assert.Empty(t, trends.SourcesUsed)

	// trends is optional for everything downstream.
	assert.Equal(t, model.SectionStatusCompleted, got.Section(model.SectionExecSummary).Status)
	assert.Equal(t, model.JobStatusCompletedWithErrors, got.Status)
	assert.Contains(t, h.gen.promptFor(model.SectionExecSummary), "trends=NOT PROVIDED")
}

func TestRun_RemapsCollidingSourceIDs(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 1})
	// Both sections propose S6 for different documents.
	proposal := func(citation string) respondFunc {
		return func(int) (string, error) {
			return `{
				"trends": [
					{"title": "Reshoring", "description": "Demand moves closer to end markets.", "direction": "Positive", "source": "S6"},
					{"title": "Pricing", "description": "List prices track input costs.", "direction": "Negative", "source": "S1"}
				],
				"sources": [{"id": "S6", "citation": "` + citation + `"}],
				"confidence": {"level": "MEDIUM", "reason": "Trade press."}
			}`, nil
		}
	}
	h.gen.set(model.SectionTrends, proposal("Trade journal survey 2024"))
	job := h.start(t)

	got, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	trends := got.Section(model.SectionTrends)
	require.Equal(t, model.SectionStatusCompleted, trends.Status, trends.LastError)

	byCitation := make(map[string]string)
	for _, s := range got.Sources {
		byCitation[s.Citation] = s.ID
	}
	trendID := byCitation["Trade journal survey 2024"]
	require.NotEmpty(t, trendID)
	assert.NotEqual(t, "S6", trendID)
	assert.Equal(t, "S6", byCitation["Acme Corp FY2023 investor presentation"])

	assert.Equal(t, []string{"S1", trendID}, trends.SourcesUsed)
	assert.Contains(t, string(trends.Content), `"source":"`+trendID+`"`)
	assert.NotContains(t, string(trends.Content), `"S6"`)

	// Catalog ids stay unique and contiguous.
	ids := sourceIDs(got)
	for i, id := range ids {
		assert.Equal(t, model.SourceID(i+1), id)
	}
}

func TestRun_EveryCitationResolves(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 4})
	job := h.start(t)

	got, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)

	catalog := model.NewSourceCatalog(got.Sources)
	assert.Equal(t, 8, catalog.Len())
	for _, run := range got.OrderedSections() {
		for _, id := range run.SourcesUsed {
			_, ok := catalog.Get(id)
			assert.True(t, ok, "%s cites unknown %s", run.Section, id)
		}
	}
}

func TestRun_UnknownCitationFailsSection(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 1})
	h.gen.set(model.SectionTrends, func(int) (string, error) {
		return `{
			"trends": [
				{"title": "Reshoring", "description": "Demand moves closer to end markets.", "direction": "Positive", "source": "S1"},
				{"title": "Pricing", "description": "List prices track input costs.", "direction": "Negative", "source": "S99"}
			],
			"confidence": {"level": "MEDIUM", "reason": "Trade press."}
		}`, nil
	})
	job := h.start(t)

	got, err := h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)

	trends := got.Section(model.SectionTrends)
	require.Equal(t, model.SectionStatusFailed, trends.Status)
	assert.Contains(t, trends.LastError, "trends.1.source")
	assert.Contains(t, trends.LastError, "S99")
	assert.Nil(t, trends.Content)
	assert.Empty(t, trends.SourcesUsed)
	assert.Equal(t, model.JobStatusCompletedWithErrors, got.Status)

	catalog := model.NewSourceCatalog(got.Sources)
	_, ok := catalog.Get("S99")
	assert.False(t, ok)
	assert.Equal(t, 8, catalog.Len())
}

func TestRun_FinishedJobIsUntouched(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job := h.start(t)

	first, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	calls := h.gen.totalCalls()

	again, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	advanced, err := h.orch.Advance(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, calls, h.gen.totalCalls())
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("re-run changed job (-first +again):\n%s", diff)
	}
	if diff := cmp.Diff(first, advanced); diff != "" {
		t.Errorf("advance changed job (-first +advanced):\n%s", diff)
	}
}

func TestAdvance_OneWaveAtATime(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 4})
	ctx := context.Background()
	job := h.start(t)
	assert.Equal(t, model.JobStatusQueued, job.Status)

	waves := [][]model.SectionID{
		{model.SectionFoundation},
		{
			model.SectionFinancialSnapshot,
			model.SectionCompanyOverview,
			model.SectionPeerBenchmarking,
			model.SectionSKUOpportunities,
			model.SectionRecentNews,
		},
		{model.SectionSegmentAnalysis},
		{model.SectionTrends},
		{model.SectionExecSummary, model.SectionConversationStarters},
		{model.SectionAppendix},
	}

	done := make(map[model.SectionID]bool)
	for i, wave := range waves {
		got, err := h.orch.Advance(ctx, job.ID)
		require.NoError(t, err, "wave %d", i+1)
		for _, id := range wave {
			done[id] = true
		}
		for _, id := range model.Sections {
			want := model.SectionStatusPending
			if done[id] {
				want = model.SectionStatusCompleted
			}
			assert.Equal(t, want, got.Section(id).Status, "wave %d: %s", i+1, id)
		}
		if i < len(waves)-1 {
			assert.Equal(t, model.JobStatusRunning, got.Status, "wave %d", i+1)
		} else {
			assert.Equal(t, model.JobStatusCompleted, got.Status)
		}
	}
	assert.Equal(t, len(model.Sections), h.gen.totalCalls())
}

func TestRun_BoundsSectionConcurrency(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 2})
	job := h.start(t)

	// Let foundation through, then hold wave two at the gate.
	_, err := h.orch.Advance(context.Background(), job.ID)
	require.NoError(t, err)
	gate := make(chan struct{})
	h.gen.gate = gate

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), job.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.gen.running() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.gen.running())

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 2, h.gen.maxActive)
}

func TestRun_RejectsSecondDriver(t *testing.T) {
	h := newHarness(t, Config{})
	gate := make(chan struct{})
	h.gen.gate = gate
	job := h.start(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), job.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.gen.running() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.orch.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobBusy)
	_, err = h.orch.Advance(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobBusy)

	close(gate)
	require.NoError(t, <-done)
}

func TestCancel_DiscardsInFlightResults(t *testing.T) {
	h := newHarness(t, Config{})
	gate := make(chan struct{})
	h.gen.gate = gate
	job := h.start(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, job.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.gen.running() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancelled, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	close(gate)
	require.NoError(t, <-done)

	got, err := h.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Equal(t, model.SectionStatusPending, got.Section(model.SectionFoundation).Status)
	assert.Nil(t, got.Section(model.SectionFoundation).Content)
	assert.Empty(t, got.Sources)
	assert.Equal(t, 1, h.gen.totalCalls())

	// Nothing more is dispatched.
	_, err = h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.gen.totalCalls())

	again, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, again.Status)
}

func TestCancel_FromAnotherOrchestratorDiscardsLateResult(t *testing.T) {
	tests := []struct {
		name    string
		respond respondFunc
	}{
		{name: "valid output"},
		{name: "collaborator error", respond: func(int) (string, error) {
			return "", errors.New("connection reset by peer")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			gate := make(chan struct{})
			h.gen.gate = gate
			if tt.respond != nil {
				h.gen.set(model.SectionFoundation, tt.respond)
			}
			job := h.start(t)
			ctx := context.Background()

			// A separate process sharing the same store, like `dossier jobs cancel`.
			validator, err := schema.NewValidator()
			require.NoError(t, err)
			other, err := New(h.store, prompt.NewResolver(testLibrary(t), h.store), newFakeGenerator(), validator, Config{})
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				_, err := h.orch.Run(ctx, job.ID)
				done <- err
			}()
			require.Eventually(t, func() bool { return h.gen.running() == 1 }, 2*time.Second, 5*time.Millisecond)

			cancelled, err := other.Cancel(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

			close(gate)
			require.NoError(t, <-done)

			got, err := h.orch.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, got.Status)
			foundation := got.Section(model.SectionFoundation)
			assert.Equal(t, model.SectionStatusPending, foundation.Status)
			assert.Nil(t, foundation.Content)
			assert.Empty(t, foundation.LastError)
			assert.Empty(t, got.Sources)
			assert.Equal(t, 1, h.gen.totalCalls())
		})
	}
}

func TestAcquire_DrivingHandleStaysRegistered(t *testing.T) {
	o := &Orchestrator{handles: make(map[string]*jobHandle)}
	const jobID = "job-1"

	// Cancel and RetrySection look a handle up and forget it again.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				o.forget(jobID, o.handle(jobID))
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		h, err := o.acquire(jobID)
		require.NoError(t, err)

		o.mu.Lock()
		registered := o.handles[jobID] == h
		o.mu.Unlock()
		_, busy := o.acquire(jobID)
		o.release(jobID, h)

		require.True(t, registered, "iteration %d: driving handle was dropped", i)
		require.ErrorIs(t, busy, ErrJobBusy)
	}
	close(stop)
	wg.Wait()
}

func TestCancel_FinishedJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job := h.start(t)
	_, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

func TestCancel_QueuedJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job := h.start(t)

	got, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	_, err = h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, h.gen.totalCalls())
}

func TestRetrySection(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrentSections: 1})
	ctx := context.Background()
	h.gen.set(model.SectionFinancialSnapshot, func(call int) (string, error) {
		if call == 1 {
			return "", errors.New("connection reset by peer")
		}
		raw, err := schema.Example(model.SectionFinancialSnapshot)
		return string(raw), err
	})
	job := h.start(t)

	first, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompletedWithErrors, first.Status)
	appendixBefore := first.Section(model.SectionAppendix)

	reset, err := h.orch.RetrySection(ctx, job.ID, model.SectionFinancialSnapshot)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, reset.Status)
	assert.Nil(t, reset.CompletedAt)
	financial := reset.Section(model.SectionFinancialSnapshot)
	assert.Equal(t, model.SectionStatusPending, financial.Status)
	assert.Empty(t, financial.LastError)
	assert.Equal(t, 1, financial.Attempts)

	got, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	financial = got.Section(model.SectionFinancialSnapshot)
	assert.Equal(t, model.SectionStatusCompleted, financial.Status)
	assert.Equal(t, 2, financial.Attempts)
	assert.Equal(t, model.SectionStatusCompleted, got.Section(model.SectionExecSummary).Status)

	// Siblings keep their results.
	assert.Equal(t, 1, h.gen.callCount(model.SectionAppendix))
	assert.Equal(t, appendixBefore.Content, got.Section(model.SectionAppendix).Content)

	// The retried section's proposal lands after everything catalogued
	// meanwhile, and its citations follow.
	presentation := got.Sources[len(got.Sources)-1]
	assert.Equal(t, "Acme Corp FY2023 investor presentation", presentation.Citation)
	assert.Contains(t, financial.SourcesUsed, presentation.ID)
	assert.True(t, strings.Contains(string(financial.Content), `"`+presentation.ID+`"`))
}

func TestRetrySection_Errors(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job := h.start(t)

	_, err := h.orch.RetrySection(ctx, job.ID, "board_members")
	assert.ErrorIs(t, err, ErrUnknownSection)

	_, err = h.orch.RetrySection(ctx, job.ID, model.SectionTrends)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	_, err = h.orch.RetrySection(ctx, job.ID, model.SectionTrends)
	assert.ErrorIs(t, err, ErrNotRetryable)

	cancelled := h.start(t)
	_, err = h.orch.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)
	_, err = h.orch.RetrySection(ctx, cancelled.ID, model.SectionFoundation)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestRun_InterruptedSectionResumes(t *testing.T) {
	h := newHarness(t, Config{})
	gate := make(chan struct{})
	h.gen.gate = gate
	job := h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, job.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.gen.running() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got, err := h.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	foundation := got.Section(model.SectionFoundation)
	assert.Equal(t, model.SectionStatusPending, foundation.Status)
	assert.Empty(t, foundation.LastError)
	assert.Equal(t, 1, foundation.Attempts)

	close(gate)
	got, err = h.orch.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Section(model.SectionFoundation).Attempts)
}

func TestStartJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.orch.StartJob(ctx, StartRequest{
		CompanyName: "  Acme   Corp ",
		ReportType:  "pe",
		FocusAreas:  []string{" pricing ", "", "pricing"},
		RequestedBy: "analyst@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "Acme Corp", job.CompanyName)
	assert.Equal(t, model.DefaultGeography, job.Geography)
	assert.Equal(t, model.ReportTypePE, job.ReportType)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Len(t, job.Sections, len(model.Sections))

	stored, err := h.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
	for _, id := range model.Sections {
		assert.Equal(t, model.SectionStatusPending, stored.Section(id).Status, id)
	}

	_, err = h.orch.StartJob(ctx, StartRequest{CompanyName: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.orch.StartJob(ctx, StartRequest{CompanyName: "Acme", ReportType: "VC"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRun_UnknownJob(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Run(context.Background(), "missing")
	assert.Error(t, err)
}
