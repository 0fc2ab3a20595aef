package policy

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

const ErrCodePolicyInvalid = "POLICY_INVALID"

//go:embed default.yaml
var defaultYAML []byte

const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Snapshot is one immutable, validated policy version. Callers must not mutate it.
type Snapshot struct {
	Version  string    `yaml:"-"`
	LoadedAt time.Time `yaml:"-"`

	DefaultLanguage string          `yaml:"default_language" validate:"required"`
	Dedupe          DedupePolicy    `yaml:"dedupe"`
	Guard           GuardPolicy     `yaml:"guard"`
	Intake          IntakePolicy    `yaml:"intake"`
	Clarify         ClarifyPolicy   `yaml:"clarify"`
	Translate       TranslatePolicy `yaml:"translate"`
	Cluster         ClusterPolicy   `yaml:"cluster"`
	Supplier        SupplierPolicy  `yaml:"supplier"`
	Commit          CommitPolicy    `yaml:"commit"`
	Cash            CashPolicy      `yaml:"cash"`
	Ops             OpsPolicy       `yaml:"ops"`
	Learn           LearnPolicy     `yaml:"learn"`
	Engine          EnginePolicy    `yaml:"engine"`
	Retry           RetryPolicy     `yaml:"retry"`
}

type DedupePolicy struct {
	TTL      time.Duration `yaml:"ttl" validate:"gt=0"`
	FailMode string        `yaml:"fail_mode" validate:"oneof=open closed"`
}

type GuardPolicy struct {
	DropOnInvalidSignature bool          `yaml:"drop_on_invalid_signature"`
	DedupeTTL              time.Duration `yaml:"dedupe_ttl" validate:"gt=0"`
	PerUserBurstN          int64         `yaml:"per_user_burst_n" validate:"gte=1"`
	PerUserBurstWindow     time.Duration `yaml:"per_user_burst_window" validate:"gte=1s"`
	BlacklistWords         []string      `yaml:"blacklist_words"`
	AllowProfanity         bool          `yaml:"allow_profanity"`
	AllowLinks             bool          `yaml:"allow_links"`
}

type IntakePolicy struct {
	RequiredSlots []string `yaml:"required_slots" validate:"dive,oneof=item quantity location"`
}

type ClarifyPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	Deadline    time.Duration `yaml:"deadline" validate:"gt=0"`
}

type TranslatePolicy struct {
	Enabled   bool     `yaml:"enabled"`
	Languages []string `yaml:"languages"`
}

type ClusterPolicy struct {
	MinMembers int `yaml:"min_members" validate:"gte=1"`
}

type ScoreWeights struct {
	Price     float64 `yaml:"price" validate:"gte=0"`
	Speed     float64 `yaml:"speed" validate:"gte=0"`
	OnTime    float64 `yaml:"on_time" validate:"gte=0"`
	QA        float64 `yaml:"qa" validate:"gte=0"`
	Proximity float64 `yaml:"proximity" validate:"gte=0"`
}

func (w ScoreWeights) Sum() float64 {
	return w.Price + w.Speed + w.OnTime + w.QA + w.Proximity
}

type SupplierPolicy struct {
	InviteCap          int           `yaml:"invite_cap" validate:"gte=1"`
	ShortlistK         int           `yaml:"shortlist_k" validate:"gte=1"`
	MaxRounds          int           `yaml:"max_rounds" validate:"gte=1"`
	RoundDeadline      time.Duration `yaml:"round_deadline" validate:"gt=0"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	FallbackEnabled    bool          `yaml:"fallback_enabled"`
	FallbackMarkup     float64       `yaml:"fallback_markup" validate:"gte=1"`
	TargetLeadTimeDays float64       `yaml:"target_lead_time_days" validate:"gt=0"`
	// TargetBandPosition places the unit price target inside the cluster band: 0 is the floor,
	// 1 the ceiling. TargetUnitPriceINR applies when the cluster has no band.
	TargetBandPosition float64      `yaml:"target_band_position" validate:"gte=0,lte=1"`
	TargetUnitPriceINR float64      `yaml:"target_unit_price_inr" validate:"gte=0"`
	Weights            ScoreWeights `yaml:"weights"`
}

type CommitPolicy struct {
	PrepayNewCustomers      bool    `yaml:"prepay_new_customers"`
	PrepayThresholdINR      float64 `yaml:"prepay_threshold_inr" validate:"gte=0"`
	MinCostSavingPercentage float64 `yaml:"min_cost_saving_percentage" validate:"gte=0,lte=100"`
	MaxSLARiskPercentage    float64 `yaml:"max_sla_risk_percentage" validate:"gte=0,lte=100"`
}

type CashPolicy struct {
	Currency              string        `yaml:"currency" validate:"required,len=3"`
	MaxUnapprovedDeltaINR float64       `yaml:"max_unapproved_delta_inr" validate:"gt=0"`
	ConfirmationDeadline  time.Duration `yaml:"confirmation_deadline" validate:"gt=0"`
}

type OpsPolicy struct {
	ChatID string        `yaml:"chat_id" validate:"required"`
	SLA    time.Duration `yaml:"sla" validate:"gt=0"`
}

type LearnPolicy struct {
	ReliabilityDelta float64 `yaml:"reliability_delta" validate:"gt=0"`
}

type BackoffPolicy struct {
	Base   time.Duration `yaml:"base" validate:"gt=0"`
	Factor float64       `yaml:"factor" validate:"gte=1"`
	Max    time.Duration `yaml:"max" validate:"gtefield=Base"`
}

type EnginePolicy struct {
	MaxStepRetries int           `yaml:"max_step_retries" validate:"gte=0"`
	MaxStepsPerRun int           `yaml:"max_steps_per_run" validate:"gte=8"`
	Backoff        BackoffPolicy `yaml:"backoff"`
}

type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BatchSize   int           `yaml:"batch_size" validate:"gte=1"`
	LeaseTTL    time.Duration `yaml:"lease_ttl" validate:"gt=0"`
	Backoff     BackoffPolicy `yaml:"backoff"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the built-in policy.
func Default() *Snapshot {
	snap, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("policy: embedded default is invalid: %v", err))
	}
	return snap
}

// Parse decodes YAML over the built-in defaults, validates the result and stamps a version.
func Parse(data []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := decodeStrict(defaultYAML, snap); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeStrict(data, snap); err != nil {
			return nil, err
		}
	}
	if err := Validate(snap); err != nil {
		return nil, err
	}
	canonical, err := yaml.Marshal(snap)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, "policy encode failed")
	}
	sum := sha256.Sum256(canonical)
	snap.Version = hex.EncodeToString(sum[:])[:12]
	snap.LoadedAt = time.Now().UTC()
	return snap, nil
}

// Validate checks field constraints plus the cross-field rules validator tags cannot express.
func Validate(snap *Snapshot) error {
	if snap == nil {
		return apperrors.NewValidation("policy snapshot required").WithTextCode(ErrCodePolicyInvalid)
	}
	var fields []apperrors.FieldError
	if err := validate.Struct(snap); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return apperrors.Wrap(err, apperrors.CategoryValidation, "policy validation failed").
				WithTextCode(ErrCodePolicyInvalid)
		}
		for _, fe := range verrs {
			fields = append(fields, apperrors.FieldError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Snapshot."),
				Message: fe.Tag() + " " + fe.Param(),
				Value:   fe.Value(),
			})
		}
	}
	if snap.Supplier.Weights.Sum() <= 0 {
		fields = append(fields, apperrors.FieldError{Field: "Supplier.Weights", Message: "weights must not all be zero"})
	}
	if snap.Supplier.ShortlistK > snap.Supplier.InviteCap {
		fields = append(fields, apperrors.FieldError{Field: "Supplier.ShortlistK", Message: "must not exceed invite_cap"})
	}
	if len(fields) > 0 {
		return apperrors.NewValidation("policy validation failed", fields...).WithTextCode(ErrCodePolicyInvalid)
	}
	return nil
}

// DedupeFailOpen reports whether an unavailable dedup backend lets requests through.
func (s *Snapshot) DedupeFailOpen() bool {
	return s == nil || s.Dedupe.FailMode != FailClosed
}

// SupportsLanguage reports whether Translate handles lang.
func (s *Snapshot) SupportsLanguage(lang string) bool {
	if s == nil || !s.Translate.Enabled {
		return false
	}
	for _, l := range s.Translate.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func decodeStrict(data []byte, out *Snapshot) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.CategoryValidation, "policy decode failed").
			WithTextCode(ErrCodePolicyInvalid)
	}
	return nil
}
