// Package processor orchestrates the tagging pipeline over a date range:
// for each raw activity, retrieve relevant note abstracts, generate tags,
// and persist the results. Reprocessing a range is idempotent by
// replacement: one transaction deletes the range's previous output and
// inserts the new rows, so repeated runs converge rather than drift.
package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/daytag/internal/logging"
	"github.com/vthunder/daytag/internal/retrieval"
	"github.com/vthunder/daytag/internal/store"
	"github.com/vthunder/daytag/internal/tagging"
	"github.com/vthunder/daytag/internal/taxonomy"
)

// ErrRangeBusy is returned when another ProcessRange call is already running
// on an overlapping date range. Overlapping reprocess jobs must not
// interleave; callers retry or queue.
var ErrRangeBusy = errors.New("an overlapping date range is already being processed")

const dateFormat = "2006-01-02"

// Stage is the per-activity processing state
type Stage string

const (
	StagePending    Stage = "pending"
	StageRetrieving Stage = "retrieving"
	StageTagging    Stage = "tagging"
	StagePersisted  Stage = "persisted"
	StageFailed     Stage = "failed"
)

// Failure records one activity that could not be processed. Failures are
// per-item; they never block other activities in the range.
type Failure struct {
	RawActivityIDs []string
	Stage          Stage
	Err            error
}

// Report is the observable outcome of one ProcessRange run. It is emitted
// to callers, never persisted as domain data.
type Report struct {
	RangeStart string
	RangeEnd   string

	RawActivities       int
	ProcessedActivities int
	Degraded            int
	ReviewNeeded        int
	DistinctTags        int

	// Histogram buckets confidences into [0,0.2) [0.2,0.4) [0.4,0.6)
	// [0.6,0.8) [0.8,1.0]
	Histogram [5]int

	Failures  []Failure
	Cancelled bool
}

// String renders a human-readable run summary for the CLI
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %s..%s: %d raw -> %d activities, %d tags distinct\n",
		r.RangeStart, r.RangeEnd, r.RawActivities, r.ProcessedActivities, r.DistinctTags)
	fmt.Fprintf(&b, "  degraded: %d, review needed: %d, failed: %d\n",
		r.Degraded, r.ReviewNeeded, len(r.Failures))
	fmt.Fprintf(&b, "  confidence: [0-.2)=%d [.2-.4)=%d [.4-.6)=%d [.6-.8)=%d [.8-1]=%d",
		r.Histogram[0], r.Histogram[1], r.Histogram[2], r.Histogram[3], r.Histogram[4])
	if r.Cancelled {
		b.WriteString("\n  cancelled before persist; no rows were written")
	}
	return b.String()
}

// Processor drives retrieve → tag → persist for raw activities
type Processor struct {
	store     *store.Store
	retriever *retrieval.Retriever
	tagger    *tagging.Generator
	cfg       *taxonomy.Config

	// WindowDays is the retrieval day-window around each activity's date
	WindowDays int

	// TopK is how many abstracts to retrieve per activity
	TopK int

	// DetectUntracked synthesizes a notion-sourced activity for days in the
	// range that have edited note blocks but no raw activity, so note-only
	// days still surface. Off by default.
	DetectUntracked bool

	locks *rangeLocks
}

// New creates a processor with default retrieval settings
func New(st *store.Store, retriever *retrieval.Retriever, tagger *tagging.Generator, cfg *taxonomy.Config) *Processor {
	return &Processor{
		store:      st,
		retriever:  retriever,
		tagger:     tagger,
		cfg:        cfg,
		WindowDays: 1,
		TopK:       5,
		locks:      newRangeLocks(),
	}
}

// stagedActivity is a fully tagged activity waiting for the range commit
type stagedActivity struct {
	activity *store.ProcessedActivity
	tags     []tagging.ScoredTag
	degraded bool
}

// ProcessRange processes every raw activity with date in [startDate,
// endDate] (YYYY-MM-DD, inclusive). regenerate forces full re-evaluation
// even for activities that previously matched existing vocabulary cheaply.
//
// Activities are staged independently; a per-item failure is recorded and
// skipped. All staged rows are persisted in a single transaction that first
// deletes the range's previous output. Cancellation is honored at activity
// boundaries and, before commit, rolls the whole range back.
func (p *Processor) ProcessRange(ctx context.Context, startDate, endDate string, regenerate bool) (*Report, error) {
	start, err := time.Parse(dateFormat, startDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse(dateFormat, endDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}

	if !p.locks.acquire(startDate, endDate) {
		return nil, ErrRangeBusy
	}
	defer p.locks.release(startDate, endDate)

	report := &Report{RangeStart: startDate, RangeEnd: endDate}

	// Snapshots taken once per run: tagging decisions stay consistent even
	// if other writers insert tags while we run
	vocabulary, err := p.store.TagVocabulary()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tag vocabulary: %w", err)
	}
	ratio, err := p.store.TagActivityRatio()
	if err != nil {
		return nil, fmt.Errorf("failed to compute tag ratio: %w", err)
	}

	raw, err := p.store.GetRawActivitiesBetween(startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load raw activities: %w", err)
	}
	if p.DetectUntracked {
		raw = append(raw, p.untrackedActivities(raw, start, end)...)
	}
	report.RawActivities = len(raw)

	logging.Info("processor", "processing %d raw activities in %s..%s (regenerate=%v, vocab=%d, ratio=%.2f)",
		len(raw), startDate, endDate, regenerate, len(vocabulary), ratio)

	opts := tagging.Options{
		VocabularyRatio:     ratio,
		ForceFullEvaluation: regenerate,
	}

	var staged []stagedActivity
	for _, group := range groupActivities(raw) {
		// Cooperative cancellation at activity boundaries only
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			return report, err
		}

		sa, failure := p.processOne(ctx, group, vocabulary, opts)
		if failure != nil {
			report.Failures = append(report.Failures, *failure)
			logging.Warn("processor", "activity %v failed at %s: %v", failure.RawActivityIDs, failure.Stage, failure.Err)
			continue
		}
		staged = append(staged, *sa)
	}

	if err := ctx.Err(); err != nil {
		report.Cancelled = true
		return report, err
	}

	if err := p.persist(startDate, endDate, staged); err != nil {
		return report, fmt.Errorf("failed to persist range %s..%s: %w", startDate, endDate, err)
	}

	p.fillReport(report, staged)
	return report, nil
}

// processOne runs the retrieve → tag stages for one activity group
func (p *Processor) processOne(ctx context.Context, group []*store.RawActivity, vocabulary []string, opts tagging.Options) (*stagedActivity, *Failure) {
	ids := make([]string, len(group))
	for i, ra := range group {
		ids[i] = ra.ID
	}
	first := group[0]

	var details []string
	for _, ra := range group {
		details = append(details, ra.Details)
	}
	combined := strings.Join(details, "; ")

	date, err := time.Parse(dateFormat, first.Date)
	if err != nil {
		return nil, &Failure{RawActivityIDs: ids, Stage: StagePending, Err: fmt.Errorf("invalid activity date %q: %w", first.Date, err)}
	}

	matches, err := p.retriever.Retrieve(ctx, combined, date, p.WindowDays, p.TopK)
	if err != nil {
		return nil, &Failure{RawActivityIDs: ids, Stage: StageRetrieving, Err: err}
	}

	tagResult, err := p.tagger.GenerateTags(ctx, combined, matches, vocabulary, p.cfg, opts)
	if err != nil {
		return nil, &Failure{RawActivityIDs: ids, Stage: StageTagging, Err: err}
	}

	review := true
	for _, t := range tagResult.Tags {
		if t.Confidence >= p.cfg.Thresholds.Review {
			review = false
			break
		}
	}

	return &stagedActivity{
		activity: &store.ProcessedActivity{
			ID:              uuid.NewString(),
			Date:            first.Date,
			Time:            first.Time,
			RawActivityIDs:  ids,
			CombinedDetails: combined,
			IsReviewNeeded:  review,
		},
		tags:     tagResult.Tags,
		degraded: tagResult.Degraded,
	}, nil
}

// persist replaces the range's previous output with the staged rows in one
// transaction, the idempotence boundary for reprocessing
func (p *Processor) persist(startDate, endDate string, staged []stagedActivity) error {
	return p.store.WithTx(func(tx *sql.Tx) error {
		if err := p.store.DeleteProcessedRange(tx, startDate, endDate); err != nil {
			return err
		}
		for _, sa := range staged {
			if err := p.store.InsertProcessedActivity(tx, sa.activity); err != nil {
				return err
			}
			for _, tag := range sa.tags {
				tagID, err := p.store.EnsureTag(tx, tag.Name)
				if err != nil {
					return err
				}
				if err := p.store.InsertActivityTag(tx, &store.ActivityTag{
					ProcessedActivityID: sa.activity.ID,
					TagID:               tagID,
					Confidence:          tag.Confidence,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (p *Processor) fillReport(report *Report, staged []stagedActivity) {
	distinct := make(map[string]bool)
	for _, sa := range staged {
		report.ProcessedActivities++
		if sa.degraded {
			report.Degraded++
		}
		if sa.activity.IsReviewNeeded {
			report.ReviewNeeded++
		}
		for _, tag := range sa.tags {
			distinct[tag.Name] = true
			bucket := int(tag.Confidence * 5)
			if bucket > 4 {
				bucket = 4
			}
			report.Histogram[bucket]++
		}
	}
	report.DistinctTags = len(distinct)
}

// untrackedActivities synthesizes a notion-sourced activity for each day in
// [start, end] that has edited blocks but no raw activity. The synthetic
// rows live only in the processing output; the raw_activities table belongs
// to ingestion and is never written here.
func (p *Processor) untrackedActivities(raw []*store.RawActivity, start, end time.Time) []*store.RawActivity {
	covered := make(map[string]bool)
	for _, ra := range raw {
		covered[ra.Date] = true
	}

	var synthetic []*store.RawActivity
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateFormat)
		if covered[date] {
			continue
		}
		blocks, err := p.store.GetBlocksEditedBetween(day, day.AddDate(0, 0, 1))
		if err != nil || len(blocks) == 0 {
			continue
		}
		// Title the gap after the day's most-edited page
		pages := make(map[string]int)
		for _, b := range blocks {
			pages[b.PageID]++
		}
		top := ""
		for page, n := range pages {
			if top == "" || n > pages[top] || (n == pages[top] && page < top) {
				top = page
			}
		}
		synthetic = append(synthetic, &store.RawActivity{
			ID:      "untracked-" + date,
			Date:    date,
			Details: "untracked notes: " + top,
			Source:  "notion",
		})
	}
	return synthetic
}

// groupActivities merges raw activities sharing a date and a non-empty time
// slot into one processed unit; everything else stays individual. Output
// order is deterministic.
func groupActivities(raw []*store.RawActivity) [][]*store.RawActivity {
	bySlot := make(map[string][]*store.RawActivity)
	var order []string
	for _, ra := range raw {
		key := ra.ID // no grouping by default
		if ra.Time != "" {
			key = ra.Date + "T" + ra.Time
		}
		if _, ok := bySlot[key]; !ok {
			order = append(order, key)
		}
		bySlot[key] = append(bySlot[key], ra)
	}

	sort.Strings(order)
	groups := make([][]*store.RawActivity, 0, len(order))
	for _, key := range order {
		group := bySlot[key]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		groups = append(groups, group)
	}
	return groups
}
