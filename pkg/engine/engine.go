// Package engine orchestrates compliance decisions: rate limiting, cache
// lookup, rule matching, detector fan-out, aggregation and thresholding.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/promptgate/promptgate/pkg/cache"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/detector"
	"github.com/promptgate/promptgate/pkg/match"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/observability/metrics"
	"github.com/promptgate/promptgate/pkg/ratelimit"
	"github.com/promptgate/promptgate/pkg/rules"
	"github.com/promptgate/promptgate/pkg/types"
)

// RequestError reports an invalid request. It is the only error Decide
// returns; every operational failure inside the pipeline degrades to a
// safe-default decision instead.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// Engine evaluates compliance requests. Safe for concurrent use. The active
// configuration is swapped atomically on reload; each request runs entirely
// against the snapshot it started with.
type Engine struct {
	cfg      atomic.Pointer[config.Config]
	matcher  *match.Matcher
	cache    *cache.TieredCache
	guard    ratelimit.Provider
	registry *detector.Registry

	group  singleflight.Group
	tracer trace.Tracer

	detStats  sync.Map // detector name -> *detStat
	decisions atomic.Uint64
	startedAt time.Time

	// now is swappable for tests.
	now func() time.Time
}

type detStat struct {
	count   atomic.Uint64
	totalNs atomic.Int64
	errors  atomic.Uint64
}

// New wires an engine. cache and guard may be nil when the respective
// subsystem is disabled.
func New(cfg *config.Config, m *match.Matcher, c *cache.TieredCache, guard ratelimit.Provider, reg *detector.Registry) *Engine {
	e := &Engine{
		matcher:   m,
		cache:     c,
		guard:     guard,
		registry:  reg,
		tracer:    otel.Tracer("promptgate/engine"),
		startedAt: time.Now(),
		now:       time.Now,
	}
	e.cfg.Store(cfg)
	return e
}

// Config returns the active configuration snapshot.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// cacheKey derives the cache key from the lightly folded text, the request
// context and the config fingerprint. Context entries participate because
// detectors may read them (the locale hint does), so two requests are
// interchangeable only when text and context both agree. A config change
// makes previous entries unreachable without an explicit purge.
func cacheKey(text, fingerprint string, reqCtx map[string]string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(match.Fold(text)))

	if len(reqCtx) > 0 {
		keys := make([]string, 0, len(reqCtx))
		for k := range reqCtx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(reqCtx[k]))
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Decide runs the full decision pipeline for one request. The only error it
// returns is *RequestError for malformed input; everything else resolves to
// a decision, failing closed where the pipeline could not run to completion.
func (e *Engine) Decide(ctx context.Context, req *types.ComplianceRequest) (*types.Decision, error) {
	start := e.now()
	cfg := e.cfg.Load()

	ctx, span := e.tracer.Start(ctx, "engine.decide")
	defer span.End()

	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, &RequestError{Field: "text", Reason: "must not be empty"}
	}
	if len(req.Text) > cfg.Compliance.MaxTextLength {
		return nil, &RequestError{
			Field:  "text",
			Reason: fmt.Sprintf("exceeds maximum length of %d bytes", cfg.Compliance.MaxTextLength),
		}
	}
	// The request is caller-owned and immutable; a missing ID gets a local
	// one for tracing and logs only.
	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("request.id", requestID))

	// Limiter runs before any expensive work. Provider errors fail open;
	// denials short-circuit into an uncached block.
	var clientKey string
	if e.guard != nil && req.ClientID != "" {
		clientKey = ratelimit.HashClientID(req.ClientID)
		res, err := e.guard.CheckAndRecord(clientKey)
		if err != nil {
			logging.Warnf("Rate limit provider %s failed, allowing request: %v", e.guard.Name(), err)
		} else if !res.Allowed {
			d := e.limiterDecision(cfg, res, start)
			metrics.RecordDecision(string(d.Action), false, e.now().Sub(start).Seconds())
			e.decisions.Add(1)
			return d, nil
		}
	}

	key := cacheKey(req.Text, cfg.Fingerprint(), req.Context)
	if e.cache != nil {
		if hit, ok := e.cache.Get(ctx, key); ok {
			d := hit.Clone()
			d.Cached = true
			d.ProcessingTime = e.now().Sub(start)
			e.recordOutcome(clientKey, d)
			metrics.RecordDecision(string(d.Action), true, d.ProcessingTime.Seconds())
			e.decisions.Add(1)
			return d, nil
		}
	}

	// Concurrent identical requests compute once; everyone gets a private copy.
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.compute(ctx, cfg, req, requestID, key), nil
	})
	if err != nil {
		// compute never errors; this is unreachable, kept for the contract.
		return nil, err
	}
	d := v.(*types.Decision).Clone()
	d.ProcessingTime = e.now().Sub(start)

	e.recordOutcome(clientKey, d)
	metrics.RecordDecision(string(d.Action), false, d.ProcessingTime.Seconds())
	e.decisions.Add(1)
	return d, nil
}

func (e *Engine) limiterDecision(cfg *config.Config, res ratelimit.Result, start time.Time) *types.Decision {
	reason := fmt.Sprintf("rate limited: %s (retry after %s)", res.Reason, res.RetryAfter.Round(time.Second))
	return &types.Decision{
		Action:            types.ActionBlock,
		OverallScore:      1.0,
		Reasoning:         reason,
		ProcessingTime:    e.now().Sub(start),
		Timestamp:         e.now(),
		ConfigFingerprint: cfg.Fingerprint(),
	}
}

func (e *Engine) recordOutcome(clientKey string, d *types.Decision) {
	if e.guard == nil || clientKey == "" {
		return
	}
	if err := e.guard.RecordOutcome(clientKey, d.Flagged()); err != nil {
		logging.Warnf("Rate limit provider %s failed to record outcome: %v", e.guard.Name(), err)
	}
}

type detectorResult struct {
	signal types.SignalScore
	desc   detector.Descriptor
	err    error
}

// compute evaluates the text from scratch: rule matching plus detector
// fan-out, then aggregation. It never returns an error; a fan-out that
// cannot complete resolves to the configured timeout action.
func (e *Engine) compute(ctx context.Context, cfg *config.Config, req *types.ComplianceRequest, requestID, key string) *types.Decision {
	ctx, span := e.tracer.Start(ctx, "engine.compute")
	defer span.End()

	timeout := time.Duration(cfg.Compliance.DecisionTimeoutMillis) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ruleGen := e.matcher.Generation()
	signals := e.ruleSignals(req.Text)

	detectors := e.registry.List()
	results := make(chan detectorResult, len(detectors))
	for _, d := range detectors {
		go e.runDetector(ctx, d, req, results)
	}

	// Results arrive in completion order; they are re-sorted by descriptor
	// priority below so the signal slice is identical across runs.
	timedOut := false
	pending := len(detectors)
	collected := make([]detectorResult, 0, len(detectors))
collect:
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			collected = append(collected, r)
		case <-ctx.Done():
			// Remaining detectors are abandoned; their goroutines drain
			// into the buffered channel and get collected.
			timedOut = true
			logging.Warnf("Decision %s timed out with %d detectors outstanding", requestID, pending)
			break collect
		}
	}

	sort.Slice(collected, func(i, j int) bool {
		di, dj := collected[i].desc, collected[j].desc
		if di.Priority != dj.Priority {
			return di.Priority < dj.Priority
		}
		return di.Name < dj.Name
	})
	for _, r := range collected {
		if r.err != nil {
			signals = e.applyFailure(signals, r)
			continue
		}
		if r.signal.Score > 0 {
			signals = append(signals, r.signal)
		}
	}

	score := aggregate(cfg, signals)
	action := actionFor(cfg, score)
	reasoning := buildReasoning(cfg, signals, score)

	if timedOut {
		action, reasoning = e.timeoutAction(cfg, action, len(signals), reasoning)
	}

	d := &types.Decision{
		Action:            action,
		OverallScore:      score,
		Signals:           signals,
		Reasoning:         reasoning,
		Timestamp:         e.now(),
		ConfigFingerprint: cfg.Fingerprint(),
	}
	span.SetAttributes(
		attribute.String("decision.action", string(action)),
		attribute.Float64("decision.score", score),
	)

	// Partial decisions never enter the cache: a later attempt may have the
	// full detector complement available. A reload that overlapped this
	// computation also disqualifies it: the rule generation or the active
	// config moved, so the result may mix generations.
	if e.cache != nil && !timedOut &&
		e.matcher.Generation() == ruleGen && e.cfg.Load() == cfg {
		ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
		e.cache.Set(ctx, key, d, ttl)
	}
	return d
}

// ruleSignals turns matcher hits into one signal per category, named
// rules/<category> so weights can address them individually.
func (e *Engine) ruleSignals(text string) []types.SignalScore {
	hits := e.matcher.Match(text)
	if len(hits) == 0 {
		return nil
	}
	signals := make([]types.SignalScore, 0, len(hits))
	for _, h := range hits {
		signals = append(signals, types.SignalScore{
			Detector:   "rules/" + h.Category,
			Score:      severityScore(h.Severity) * h.Confidence,
			Confidence: h.Confidence,
			Label:      h.RuleID,
			Spans:      []types.Span{h.Span},
		})
	}
	return signals
}

func severityScore(s rules.Severity) float64 {
	switch s {
	case rules.SeverityCritical:
		return 1.0
	case rules.SeverityHigh:
		return 0.85
	case rules.SeverityMedium:
		return 0.65
	default:
		return 0.45
	}
}

func (e *Engine) runDetector(ctx context.Context, d detector.Detector, req *types.ComplianceRequest, out chan<- detectorResult) {
	desc := d.Descriptor()
	start := e.now()

	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Detector %s panicked: %v", desc.Name, r)
			out <- detectorResult{desc: desc, err: fmt.Errorf("detector %s panicked: %v", desc.Name, r)}
		}
	}()

	ctx, span := e.tracer.Start(ctx, "detector."+desc.Name)
	signal, err := d.Detect(ctx, req.Text, req.Context)
	span.End()

	elapsed := e.now().Sub(start)
	metrics.RecordDetector(desc.Name, elapsed.Seconds())

	stat := e.stat(desc.Name)
	stat.count.Add(1)
	stat.totalNs.Add(int64(elapsed))
	if err != nil {
		stat.errors.Add(1)
	}

	out <- detectorResult{signal: signal, desc: desc, err: err}
}

func (e *Engine) stat(name string) *detStat {
	if v, ok := e.detStats.Load(name); ok {
		return v.(*detStat)
	}
	v, _ := e.detStats.LoadOrStore(name, &detStat{})
	return v.(*detStat)
}

// applyFailure resolves a detector error per its failure policy.
func (e *Engine) applyFailure(signals []types.SignalScore, r detectorResult) []types.SignalScore {
	metrics.RecordDetectorError(r.desc.Name, string(r.desc.OnError))
	if r.desc.OnError == detector.Ignore {
		logging.Warnf("Detector %s failed, ignored per policy: %v", r.desc.Name, r.err)
		return signals
	}
	logging.Warnf("Detector %s failed, treated as violation: %v", r.desc.Name, r.err)
	return append(signals, types.SignalScore{
		Detector:   r.desc.Name,
		Score:      1.0,
		Confidence: 0,
		Label:      "detector_failure",
	})
}

// timeoutAction resolves the action for a partially evaluated request. With
// timeout_action=warn, collected signals still count and the result is at
// least a warn; with no signals at all the decision fails closed.
func (e *Engine) timeoutAction(cfg *config.Config, computed types.Action, signalCount int, reasoning string) (types.Action, string) {
	if cfg.Compliance.TimeoutAction == "block" || signalCount == 0 {
		return types.ActionBlock, reasoning + "; decision timed out, failing closed"
	}
	return types.MaxAction(computed, types.ActionWarn), reasoning + "; decision timed out with partial signals"
}

// aggregate folds signals into one score per the configured method.
func aggregate(cfg *config.Config, signals []types.SignalScore) float64 {
	if len(signals) == 0 {
		return 0
	}
	switch cfg.Compliance.ScoringMethod {
	case "max":
		best := 0.0
		for _, s := range signals {
			if s.Score > best {
				best = s.Score
			}
		}
		return best
	case "product":
		// Noisy-or: independent evidence accumulates toward 1.
		inv := 1.0
		for _, s := range signals {
			inv *= 1 - clamp01(s.Score)
		}
		return 1 - inv
	default: // weighted_average
		var sum, weights float64
		for _, s := range signals {
			w := cfg.Compliance.Weight(s.Detector)
			sum += w * s.Score
			weights += w
		}
		if weights == 0 {
			return 0
		}
		return sum / weights
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func actionFor(cfg *config.Config, score float64) types.Action {
	switch {
	case score >= cfg.Compliance.BlockThreshold:
		return types.ActionBlock
	case score >= cfg.Compliance.WarnThreshold:
		return types.ActionWarn
	default:
		return types.ActionAllow
	}
}

// buildReasoning lists contributors above the noise floor, strongest first.
func buildReasoning(cfg *config.Config, signals []types.SignalScore, score float64) string {
	contributors := make([]types.SignalScore, 0, len(signals))
	for _, s := range signals {
		if s.Score > cfg.Compliance.NoiseFloor {
			contributors = append(contributors, s)
		}
	}
	if len(contributors) == 0 {
		return "no signals above noise floor"
	}
	sort.Slice(contributors, func(i, j int) bool {
		if contributors[i].Score != contributors[j].Score {
			return contributors[i].Score > contributors[j].Score
		}
		return contributors[i].Detector < contributors[j].Detector
	})

	parts := make([]string, len(contributors))
	for i, s := range contributors {
		if s.Label != "" {
			parts[i] = fmt.Sprintf("%s=%.2f (%s)", s.Detector, s.Score, s.Label)
		} else {
			parts[i] = fmt.Sprintf("%s=%.2f", s.Detector, s.Score)
		}
	}
	return fmt.Sprintf("overall=%.2f from %s", score, strings.Join(parts, ", "))
}
