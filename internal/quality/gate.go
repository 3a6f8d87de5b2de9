package quality

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/azyu/novelforge/internal/continuity"
	"github.com/azyu/novelforge/internal/logger"
	"github.com/azyu/novelforge/pkg/types"
)

// Features selects the tier-gated parts of an evaluation.
type Features struct {
	// Review blends a model review into the supervision score.
	Review bool
	// Proofread polishes content that passed the consistency threshold.
	Proofread bool
}

// Input is one section to evaluate.
type Input struct {
	BookID          string
	ChapterID       string
	ChapterNumber   int
	SectionNumber   int
	Content         string
	Purpose         string
	PreviousContext string
	ResearchFocus   []string
	TargetWords     int
	Settings        types.BookSettings
	// Continuity is the book's tracked state; nil checks against an empty
	// state.
	Continuity *continuity.Store
	Features   Features
}

// Result is the gate's decision for a section.
type Result struct {
	// Content is the accepted text, proofread when Proofread is set.
	Content          string
	ConsistencyScore int
	SupervisionScore int
	OverallScore     int
	Consistency      continuity.Report
	Supervision      Score
	Proofread        bool
	// Failed is set when the overall score fell below the fail threshold.
	Failed *types.FailedSection
}

// Critical reports whether either check found a critical issue.
func (r Result) Critical() bool {
	return r.Consistency.HasCritical() || r.Supervision.HasCritical()
}

// Gate evaluates sections. It never rejects content: low scores become
// FailedSection records and generation continues.
type Gate struct {
	supervisor  *Supervisor
	proofreader *Proofreader
	cfg         types.QualityConfig
	now         func() time.Time
	log         *logger.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger.
func WithGateLogger(log *logger.Logger) GateOption {
	return func(g *Gate) {
		g.log = log
	}
}

// WithGateNow replaces the clock.
func WithGateNow(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a gate.
func NewGate(supervisor *Supervisor, proofreader *Proofreader, cfg types.QualityConfig, opts ...GateOption) *Gate {
	g := &Gate{
		supervisor:  supervisor,
		proofreader: proofreader,
		cfg:         cfg,
		now:         time.Now,
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("component", "quality_gate")
	return g
}

// Evaluate scores in.Content and decides whether to proofread and flag it.
func (g *Gate) Evaluate(ctx context.Context, in Input) Result {
	store := in.Continuity
	if store == nil {
		store = continuity.NewStore()
	}

	report := store.CheckChapterConsistency(in.ChapterNumber, in.Content, in.Purpose, in.ResearchFocus, in.Settings)
	sup := g.supervisor.Score(in.Content, in.PreviousContext, in.TargetWords)

	supervisionScore := sup.Overall
	if in.Features.Review {
		review, err := g.supervisor.Review(ctx, in.Content, in.Purpose)
		if err != nil {
			g.log.Warn("supervision review unavailable, using neutral score", "book_id", in.BookID, "chapter", in.ChapterNumber, "error", err)
		}
		review = ScoreOrNeutral(review, err)
		supervisionScore = int(math.Round(float64(sup.Overall+review.Score) / 2))
		sup.Issues = append(sup.Issues, review.Issues...)
	}

	res := Result{
		Content:          in.Content,
		ConsistencyScore: report.Score,
		SupervisionScore: supervisionScore,
		OverallScore:     int(math.Round(float64(report.Score+supervisionScore) / 2)),
		Consistency:      report,
		Supervision:      sup,
	}

	if in.Features.Proofread && res.ConsistencyScore >= g.cfg.ProofreadThreshold {
		polished, err := g.proofreader.Proofread(ctx, in.Content)
		if err != nil {
			g.log.Warn("proofread failed, keeping cleaned text", "book_id", in.BookID, "chapter", in.ChapterNumber, "error", err)
		}
		res.Content = polished
		res.Proofread = true
	}

	if res.OverallScore < g.cfg.FailThreshold {
		res.Failed = &types.FailedSection{
			ID:               uuid.NewString(),
			BookID:           in.BookID,
			ChapterID:        in.ChapterID,
			SectionNumber:    in.SectionNumber,
			Reason:           failReason(res),
			QualityScore:     res.OverallScore,
			ConsistencyScore: res.ConsistencyScore,
			SupervisionScore: res.SupervisionScore,
			Timestamp:        g.now(),
		}
		g.log.Info("section flagged for revision",
			"book_id", in.BookID, "chapter", in.ChapterNumber, "section", in.SectionNumber,
			"score", res.OverallScore, "threshold", g.cfg.FailThreshold)
	}
	return res
}

func failReason(r Result) string {
	reason := fmt.Sprintf("quality score %d (consistency %d, supervision %d)", r.OverallScore, r.ConsistencyScore, r.SupervisionScore)
	if issues := r.Consistency.Issues(); len(issues) > 0 {
		reason += ": " + issues[0].Description
	} else if len(r.Supervision.Issues) > 0 {
		reason += ": " + r.Supervision.Issues[0].Description
	}
	return reason
}
