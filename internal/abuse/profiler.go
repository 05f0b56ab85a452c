package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
)

const (
	recordPrefix = "abuse:record:"
	blockPrefix  = "abuse:block:"

	reasonAbuseBlock = "Blocked due to abuse detection"
	reasonFailedAuth = "Excessive failed authentication attempts"
)

var ErrRecordNotFound = errors.New("abuse record not found")

// Allowlist reports identifiers that must not be profiled.
type Allowlist interface {
	IsWhitelisted(ctx context.Context, identifier string) (bool, error)
}

// Detection is the verdict of one Detect call.
type Detection struct {
	Abuser       bool
	Score        int
	Violations   []string
	BlockedUntil *time.Time
}

// Report is the operator view of an identifier.
type Report struct {
	Record       *models.AbuseRecord `json:"record"`
	Score        Breakdown           `json:"score"`
	Blocked      bool                `json:"blocked"`
	BlockedUntil *time.Time          `json:"blocked_until,omitempty"`
}

// Profiler keeps per-identifier behavioral records in the shared store and
// turns them into an abuse score. Record updates are read-modify-write, so
// concurrent writers for one identifier may lose an increment.
type Profiler struct {
	kv        storage.KV
	policy    config.AbusePolicy
	scorer    scorer
	allowlist Allowlist
	now       func() time.Time
}

type Option func(*Profiler)

func WithClock(now func() time.Time) Option {
	return func(p *Profiler) { p.now = now }
}

func WithAllowlist(a Allowlist) Option {
	return func(p *Profiler) { p.allowlist = a }
}

func NewProfiler(kv storage.KV, policy config.AbusePolicy, opts ...Option) (*Profiler, error) {
	s, err := newScorer(policy)
	if err != nil {
		return nil, fmt.Errorf("invalid abuse policy: %w", err)
	}

	p := &Profiler{
		kv:     kv,
		policy: policy,
		scorer: s,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Detect scores the identifier for a request from ip to path. Crossing the
// abuse limit places an AbuseBlock. Store errors yield a not-abusive verdict.
func (p *Profiler) Detect(ctx context.Context, identifier, ip, path string) Detection {
	if p.whitelisted(ctx, identifier) {
		return Detection{}
	}

	now := p.now()
	rec, err := p.load(ctx, identifier)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		logger.Warn("abuse record unavailable, treating caller as benign",
			logger.String("identifier", identifier),
			logger.Err(err),
		)
		return Detection{}
	}

	b := p.scorer.score(rec, ip, path, now)
	if b.Total < p.policy.AbuseScoreLimit {
		d := Detection{Score: b.Total}
		if rec != nil {
			d.Violations = rec.ViolationStrings()
		}
		return d
	}

	until := now.Add(p.policy.AbuseBlockDuration)
	if err := p.kv.Set(ctx, blockKey(identifier), fmt.Sprintf("%d", until.UnixMilli()), p.policy.AbuseBlockDuration); err != nil {
		logger.Warn("failed to place abuse block",
			logger.String("identifier", identifier),
			logger.Err(err),
		)
		return Detection{Score: b.Total}
	}

	if rec == nil {
		rec = &models.AbuseRecord{FirstSeen: now, LastSeen: now}
	}
	// The block itself is the penalty; the caller starts over once it lapses.
	rec.ResetScoring(now)
	rec.AddViolation(now, reasonAbuseBlock, p.policy.ViolationLogSize)
	if err := p.save(ctx, identifier, rec); err != nil {
		logger.Warn("failed to persist abuse record",
			logger.String("identifier", identifier),
			logger.Err(err),
		)
	}

	logger.Warn("abuse detected, caller blocked",
		logger.String("identifier", identifier),
		logger.String("ip", ip),
		logger.String("path", path),
		logger.Int("score", b.Total),
		logger.Int("rapid_fire", b.RapidFire),
		logger.Int("failed_auth", b.FailedAuth),
		logger.Int("violations", b.Violations),
		logger.Int("ip_churn", b.IPChurn),
		logger.Int("sensitive_path", b.SensitivePath),
		logger.Duration("block", p.policy.AbuseBlockDuration),
	)

	return Detection{
		Abuser:       true,
		Score:        b.Total,
		Violations:   rec.ViolationStrings(),
		BlockedUntil: &until,
	}
}

// RecordRequest notes one request from ip.
func (p *Profiler) RecordRequest(ctx context.Context, identifier, ip string) error {
	return p.update(ctx, identifier, func(rec *models.AbuseRecord, now time.Time) {
		rec.RequestCount++
		rec.LastSeen = now
		rec.AddIP(ip)
	})
}

// RecordFailedAuth counts a rejected credential. The first time the count
// reaches the policy threshold a violation is appended; later failures only
// grow the count.
func (p *Profiler) RecordFailedAuth(ctx context.Context, identifier string) error {
	return p.update(ctx, identifier, func(rec *models.AbuseRecord, now time.Time) {
		rec.FailedAuthAttempts++
		if rec.FailedAuthAttempts >= p.policy.FailedAuthViolationThreshold && !rec.FailedAuthFlagged {
			rec.FailedAuthFlagged = true
			rec.AddViolation(now, reasonFailedAuth, p.policy.ViolationLogSize)
			logger.Warn("excessive failed authentication",
				logger.String("identifier", identifier),
				logger.Int("attempts", rec.FailedAuthAttempts),
			)
		}
	})
}

func (p *Profiler) RecordViolation(ctx context.Context, identifier, reason string) error {
	return p.update(ctx, identifier, func(rec *models.AbuseRecord, now time.Time) {
		rec.AddViolation(now, reason, p.policy.ViolationLogSize)
	})
}

func (p *Profiler) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	return p.kv.Exists(ctx, blockKey(identifier))
}

// BlockedUntil returns when the identifier's AbuseBlock lapses. ok is false
// when there is no block.
func (p *Profiler) BlockedUntil(ctx context.Context, identifier string) (time.Time, bool, error) {
	ttl, err := p.kv.TTL(ctx, blockKey(identifier))
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if ttl <= 0 {
		ttl = p.policy.AbuseBlockDuration
	}
	return p.now().Add(ttl), true, nil
}

// Unblock lifts an AbuseBlock and clears the scoring state that led to it.
// QuotaBlocks are left alone.
func (p *Profiler) Unblock(ctx context.Context, identifier string) error {
	if err := p.kv.Del(ctx, blockKey(identifier)); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", identifier, err)
	}

	rec, err := p.load(ctx, identifier)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return fmt.Errorf("failed to load abuse record for %s: %w", identifier, err)
	default:
		rec.ResetScoring(p.now())
		if err := p.save(ctx, identifier, rec); err != nil {
			return fmt.Errorf("failed to reset abuse record for %s: %w", identifier, err)
		}
	}

	logger.Info("abuse block lifted", logger.String("identifier", identifier))
	return nil
}

// GetScore recomputes the score from the stored record alone, without the
// per-request IP and path context.
func (p *Profiler) GetScore(ctx context.Context, identifier string) (int, error) {
	if p.whitelisted(ctx, identifier) {
		return 0, nil
	}
	rec, err := p.load(ctx, identifier)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.scorer.score(rec, "", "", p.now()).Total, nil
}

func (p *Profiler) GetRecord(ctx context.Context, identifier string) (*Report, error) {
	rec, err := p.load(ctx, identifier)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	until, blocked, err := p.BlockedUntil(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if rec == nil && !blocked {
		return nil, ErrRecordNotFound
	}

	r := &Report{
		Record:  rec,
		Score:   p.scorer.score(rec, "", "", p.now()),
		Blocked: blocked,
	}
	if blocked {
		r.BlockedUntil = &until
	}
	return r, nil
}

func (p *Profiler) update(ctx context.Context, identifier string, fn func(rec *models.AbuseRecord, now time.Time)) error {
	if p.whitelisted(ctx, identifier) {
		return nil
	}

	now := p.now()
	rec, err := p.load(ctx, identifier)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = &models.AbuseRecord{FirstSeen: now}
	case err != nil:
		return err
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}

	fn(rec, now)
	return p.save(ctx, identifier, rec)
}

func (p *Profiler) whitelisted(ctx context.Context, identifier string) bool {
	if p.allowlist == nil {
		return false
	}
	ok, err := p.allowlist.IsWhitelisted(ctx, identifier)
	if err != nil {
		logger.Warn("whitelist lookup failed",
			logger.String("identifier", identifier),
			logger.Err(err),
		)
		return false
	}
	return ok
}

func (p *Profiler) load(ctx context.Context, identifier string) (*models.AbuseRecord, error) {
	raw, err := p.kv.Get(ctx, recordKey(identifier))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read abuse record: %w", err)
	}

	var rec models.AbuseRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt abuse record for %s: %w", identifier, err)
	}
	return &rec, nil
}

// save refreshes the record's retention on every write.
func (p *Profiler) save(ctx context.Context, identifier string, rec *models.AbuseRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := p.kv.Set(ctx, recordKey(identifier), string(raw), p.policy.RecordRetention); err != nil {
		return fmt.Errorf("failed to write abuse record: %w", err)
	}
	return nil
}

func recordKey(identifier string) string {
	return recordPrefix + identifier
}

func blockKey(identifier string) string {
	return blockPrefix + identifier
}
